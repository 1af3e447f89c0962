package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"coderoom/internal/broadcast"
	"coderoom/internal/ledger"
	"coderoom/internal/sandbox"
	"coderoom/internal/session"
)

type Handlers struct {
	executor *sandbox.Executor
	ledger   *ledger.Ledger
	sessions *session.Store
	hub      *broadcast.Hub
	consumer *broadcast.Consumer
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		executor: deps.Executor,
		ledger:   deps.Ledger,
		sessions: deps.Sessions,
		hub:      deps.Hub,
		consumer: deps.Consumer,
	}
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.executor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "SANDBOX_FAULT", "sandbox backend unavailable")
		return
	}

	res, err := h.executor.Run(r.Context(), req.toSandbox(UserIDFromContext(r.Context())))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(res))
}

// HandleExecuteStream sends stdout and stderr chunks as SSE events while
// the program runs, then a "done" event carrying the full result.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req ExecutionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if h.executor == nil {
		writeError(w, r, http.StatusServiceUnavailable, "SANDBOX_FAULT", "sandbox backend unavailable")
		return
	}
	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, r, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "streaming not supported")
		return
	}

	res, err := h.executor.RunStreaming(r.Context(), req.toSandbox(UserIDFromContext(r.Context())),
		stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil {
		if !stream.Started() {
			writeDomainError(w, r, err)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		_, code, msg := classify(err)
		_ = stream.sendJSON("error", ErrorResponse{Error: msg, Code: code, RequestID: RequestIDFromContext(r.Context())})
		return
	}
	if err := stream.sendJSON("done", newExecutionResponse(res)); err != nil {
		log.Debug().Err(err).Msg("client went away before done event")
	}
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "execution history is not configured")
		return
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := queryInt(w, r, "offset")
	if !ok {
		return
	}

	page, err := h.ledger.List(r.Context(), UserIDFromContext(r.Context()), limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.sessions.Create(r.Context(), UserIDFromContext(r.Context()), req.Code, session.CreateOptions{
		Kind:  session.Kind(req.Kind),
		Title: req.Title,
		TTL:   req.TTL.Duration,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handlers) HandleJoinSession(w http.ResponseWriter, r *http.Request) {
	member, err := h.sessions.Join(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (h *Handlers) HandleListMembers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	members, err := h.sessions.Members(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	resp := MembersResponse{Members: members, Online: []string{}}
	if h.hub != nil {
		resp.Online = append(resp.Online, h.hub.Online(id)...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleMutation applies a code_change or terminal_output from a client
// without a realtime connection. Accepted changes are relayed to
// connected members like any other.
func (h *Handlers) HandleMutation(w http.ResponseWriter, r *http.Request) {
	var mut session.Mutation
	if !decodeJSON(w, r, &mut) {
		return
	}
	res, err := h.sessions.ApplyMutation(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()), mut)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Session)
}

func (h *Handlers) HandleSetPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.sessions.SetPermission(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()),
		r.PathValue("user_id"), session.Permission(req.Permission))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.RemoveMember(r.Context(), r.PathValue("id"), UserIDFromContext(r.Context()), r.PathValue("user_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.consumer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "realtime sessions are not enabled")
		return
	}
	h.consumer.ServeWS(w, r, r.PathValue("id"), UserIDFromContext(r.Context()))
}

// HandleSweep deactivates idle and expired sessions now. With
// ?dry_run=true it only reports what would be deactivated.
func (h *Handlers) HandleSweep(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "dry_run must be a boolean")
			return
		}
		dryRun = b
	}
	report, err := h.sessions.Sweep(r.Context(), dryRun)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	log.Info().Int("checked", report.Checked).Int("deactivated", len(report.Deactivated)).
		Bool("dry_run", report.DryRun).Str("user_id", UserIDFromContext(r.Context())).Msg("manual sweep")
	writeJSON(w, http.StatusOK, report)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", name+" must be an integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeDomainError maps errors from the sandbox, ledger and session
// packages onto HTTP responses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, r, status, code, msg)
}

func classify(err error) (status int, code, msg string) {
	switch {
	case sandbox.IsInvalid(err),
		errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT", err.Error()
	case errors.Is(err, session.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED", broadcast.Rejection(err)
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "not found"
	case errors.Is(err, session.ErrSessionInactive):
		return http.StatusGone, "SESSION_INACTIVE", broadcast.Rejection(err)
	case sandbox.IsFault(err):
		return http.StatusServiceUnavailable, "SANDBOX_FAULT", "sandbox unavailable, try again"
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
}
