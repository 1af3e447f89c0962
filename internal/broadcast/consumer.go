package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coderoom/internal/session"
)

// inbound is a message from a connected member.
type inbound struct {
	Type     string          `json:"type"`
	Code     *string         `json:"code,omitempty"`
	Output   *string         `json:"output,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
}

type cursorPayload struct {
	Position json.RawMessage `json:"position"`
}

type membersPayload struct {
	Members []session.Member `json:"members"`
}

type ConsumerOptions struct {
	SendBuffer int
	// CheckOrigin is passed to the upgrader; nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Consumer serves session WebSocket connections. It authorizes inbound
// mutations through the session store, which relays accepted ones back
// through the hub.
type Consumer struct {
	store      *session.Store
	hub        *Hub
	upgrader   websocket.Upgrader
	sendBuffer int
}

func NewConsumer(store *session.Store, hub *Hub, opts ConsumerOptions) *Consumer {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Consumer{
		store: store,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sendBuffer: opts.SendBuffer,
	}
}

// ServeWS validates the session before upgrading; a rejected connection
// gets a plain HTTP error and no handshake.
func (c *Consumer) ServeWS(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	ctx := r.Context()
	logger := log.With().Str("session_id", sessionID).Str("user_id", userID).Logger()

	sess, err := c.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	case sess.Kind != session.KindCollaborative:
		http.Error(w, "session is not collaborative", http.StatusBadRequest)
		return
	case !sess.Active:
		http.Error(w, "session is no longer active", http.StatusGone)
		return
	}

	if _, err := c.store.Join(ctx, sessionID, userID); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, session.ErrSessionInactive):
			status = http.StatusGone
		case errors.Is(err, session.ErrInvalidArgument):
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(sessionID, userID, conn, c.sendBuffer)
	// The request context ends with the handler; the connection outlives
	// neither, but store calls must not be cut short by a client abort.
	bg := context.WithoutCancel(ctx)
	c.connect(bg, client, logger)
	go client.writePump()
	c.readPump(bg, client, logger)
	c.disconnect(bg, client, logger)
}

func (c *Consumer) connect(ctx context.Context, client *Client, logger zerolog.Logger) {
	first := c.hub.Subscribe(client)
	if _, err := c.store.SetOnline(ctx, client.sessionID, client.userID, true); err != nil {
		logger.Warn().Err(err).Msg("failed to mark member online")
	}
	if first {
		c.hub.Publish(client.sessionID, session.Event{
			Type:             session.EventMemberJoined,
			Payload:          session.MemberPayload{UserID: client.userID},
			OriginatorUserID: client.userID,
		}, client.userID)
	}

	if sess, err := c.store.Get(ctx, client.sessionID); err == nil {
		c.sendTo(client, session.Event{Type: session.EventSessionState, Payload: sess})
	}
	if members, err := c.store.Members(ctx, client.sessionID); err == nil {
		c.sendTo(client, session.Event{Type: session.EventMembers, Payload: membersPayload{Members: members}})
	}
	logger.Info().Bool("first_connection", first).Msg("member connected")
}

func (c *Consumer) disconnect(ctx context.Context, client *Client, logger zerolog.Logger) {
	client.kick()
	if !c.hub.Unsubscribe(client) {
		return
	}
	if _, err := c.store.SetOnline(ctx, client.sessionID, client.userID, false); err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.Warn().Err(err).Msg("failed to mark member offline")
	}
	c.hub.Publish(client.sessionID, session.Event{
		Type:             session.EventMemberLeft,
		Payload:          session.MemberPayload{UserID: client.userID},
		OriginatorUserID: client.userID,
	}, client.userID)
	logger.Info().Msg("member disconnected")
}

func (c *Consumer) readPump(ctx context.Context, client *Client, logger zerolog.Logger) {
	conn := client.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed message")
			continue
		}
		if !c.handle(ctx, client, msg, logger) {
			return
		}
	}
}

// handle processes one message and reports whether the connection should
// stay open.
func (c *Consumer) handle(ctx context.Context, client *Client, msg inbound, logger zerolog.Logger) bool {
	if err := c.store.Touch(ctx, client.sessionID, client.userID); err != nil {
		if terminal(err) || errors.Is(err, session.ErrPermissionDenied) {
			c.sendError(client, err)
			return false
		}
		logger.Warn().Err(err).Msg("failed to record activity")
	}

	switch msg.Type {
	case session.EventCodeChange:
		if msg.Code == nil {
			logger.Warn().Str("type", msg.Type).Msg("dropping code change without code")
			return true
		}
		return c.mutate(ctx, client, session.Mutation{Kind: session.MutationCodeChange, Code: *msg.Code})
	case session.EventTerminalOutput:
		if msg.Output == nil {
			logger.Warn().Str("type", msg.Type).Msg("dropping terminal output without output")
			return true
		}
		return c.mutate(ctx, client, session.Mutation{Kind: session.MutationTerminalOutput, Output: *msg.Output})
	case session.EventCursorPosition:
		c.hub.Publish(client.sessionID, session.Event{
			Type:             session.EventCursorPosition,
			Payload:          cursorPayload{Position: msg.Position},
			OriginatorUserID: client.userID,
		}, client.userID)
		return true
	default:
		logger.Warn().Str("type", msg.Type).Msg("dropping unknown message type")
		return true
	}
}

func (c *Consumer) mutate(ctx context.Context, client *Client, mut session.Mutation) bool {
	if _, err := c.store.ApplyMutation(ctx, client.sessionID, client.userID, mut); err != nil {
		c.sendError(client, err)
		return !terminal(err)
	}
	return true
}

func (c *Consumer) sendError(client *Client, err error) {
	c.sendTo(client, session.Event{Type: session.EventError, Payload: session.MessagePayload{Message: Rejection(err)}})
}

func (c *Consumer) sendTo(client *Client, ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("failed to encode event")
		return
	}
	if !client.enqueue(data) {
		client.kick()
	}
}

// terminal errors end the connection: the session is gone or the user is
// no longer part of it.
func terminal(err error) bool {
	return errors.Is(err, session.ErrSessionInactive) || errors.Is(err, session.ErrNotFound)
}

// Rejection is the one-line message shown to a member whose action failed.
func Rejection(err error) string {
	switch {
	case errors.Is(err, session.ErrPermissionDenied):
		return "You do not have permission to edit"
	case errors.Is(err, session.ErrSessionInactive):
		return "This session is no longer active"
	case errors.Is(err, session.ErrNotFound):
		return "You are no longer a member of this session"
	case errors.Is(err, session.ErrInvalidArgument):
		return "Invalid request"
	default:
		return "Something went wrong, try again"
	}
}
