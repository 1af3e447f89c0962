// Package session holds the authoritative state of collaborative coding
// rooms: the shared code buffer, terminal scrollback, membership and the
// activity clock.
//
// Each room has its own mutex; every state-affecting call takes it, so
// mutations to one session are serialized while different sessions proceed
// in parallel. Expiry is evaluated lazily at the top of every call: a room
// idle for longer than the inactivity timeout, or past its expires_at, is
// deactivated on the next touch and stays inactive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"coderoom/internal/config"
	"coderoom/internal/hooks"
	"coderoom/internal/monitor"
)

const (
	DefaultInactivityTimeout = time.Hour
	DefaultScrollbackLimit   = 1000
)

// Notifier relays events to connected members. Publish must not block.
type Notifier interface {
	Publish(sessionID string, ev Event, excludeUserID string)
}

// Persister stores sessions and memberships. Writes happen before the
// in-memory state changes, so a failed write leaves the room untouched.
type Persister interface {
	SaveSession(ctx context.Context, s Session) error
	SaveMember(ctx context.Context, m Member) error
	DeleteMember(ctx context.Context, sessionID, userID string) error
	LoadSessions(ctx context.Context) ([]Session, []Member, error)
}

type Options struct {
	InactivityTimeout time.Duration
	ScrollbackLimit   int
	DefaultTTL        time.Duration
}

func OptionsFromConfig(cfg config.SessionsConfig) Options {
	return Options{
		InactivityTimeout: cfg.InactivityTimeout,
		ScrollbackLimit:   cfg.ScrollbackLimit,
		DefaultTTL:        cfg.DefaultTTL,
	}
}

type room struct {
	mu      sync.Mutex
	state   Session
	members map[string]*Member
}

type Store struct {
	mu    sync.RWMutex
	rooms map[string]*room

	opts      Options
	notifier  Notifier
	persister Persister
	hooks     *hooks.Dispatcher
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	now       func() time.Time
}

type Option func(*Store)

func WithNotifier(n Notifier) Option        { return func(s *Store) { s.notifier = n } }
func WithPersister(p Persister) Option      { return func(s *Store) { s.persister = p } }
func WithHooks(d *hooks.Dispatcher) Option  { return func(s *Store) { s.hooks = d } }
func WithMetrics(m *monitor.Metrics) Option { return func(s *Store) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func NewStore(opts Options, options ...Option) *Store {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.ScrollbackLimit <= 0 {
		opts.ScrollbackLimit = DefaultScrollbackLimit
	}
	s := &Store{
		rooms:  make(map[string]*room),
		opts:   opts,
		tracer: monitor.NewTracer(),
		now:    time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Create opens a new active session owned by ownerID. The owner is seeded
// as an edit member.
func (s *Store) Create(ctx context.Context, ownerID, initialCode string, co CreateOptions) (Session, error) {
	if ownerID == "" {
		return Session{}, opErr("create", "", fmt.Errorf("%w: owner id is required", ErrInvalidArgument))
	}
	kind, err := ParseKind(string(co.Kind))
	if err != nil {
		return Session{}, opErr("create", "", err)
	}

	now := s.now().UTC()
	sess := Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Title:        co.Title,
		Kind:         kind,
		Code:         initialCode,
		Scrollback:   []string{},
		Active:       true,
		CreatedAt:    now,
		LastActivity: now,
	}
	ttl := co.TTL
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		sess.ExpiresAt = &exp
	}
	owner := Member{SessionID: sess.ID, UserID: ownerID, Permission: PermissionEdit, JoinedAt: now}

	if err := s.saveSession(ctx, sess); err != nil {
		return Session{}, opErr("create", sess.ID, err)
	}
	if err := s.saveMember(ctx, owner); err != nil {
		return Session{}, opErr("create", sess.ID, err)
	}

	r := &room{state: sess, members: map[string]*Member{ownerID: &owner}}
	s.mu.Lock()
	s.rooms[sess.ID] = r
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsCreated.WithLabelValues(string(kind)).Inc()
	}
	log.Info().Str("session_id", sess.ID).Str("owner_id", ownerID).Str("kind", string(kind)).Msg("session created")

	s.hooks.Fire(ctx, hooks.Event{Kind: hooks.SessionCreated, UserID: ownerID, SessionID: sess.ID, Succeeded: true, At: now})
	return sess.clone(), nil
}

// Get returns a snapshot. Inactive sessions stay readable.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	r, err := s.lookup("get", id)
	if err != nil {
		return Session{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.expire(ctx, r)
	return r.state.clone(), nil
}

// Join adds userID as a view member. Joining again returns the existing
// membership unchanged.
func (s *Store) Join(ctx context.Context, id, userID string) (Member, error) {
	if userID == "" {
		return Member{}, opErr("join", id, fmt.Errorf("%w: user id is required", ErrInvalidArgument))
	}
	r, err := s.lookup("join", id)
	if err != nil {
		return Member{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := s.requireActive(ctx, r); err != nil {
		return Member{}, opErr("join", id, err)
	}
	if m, ok := r.members[userID]; ok {
		return *m, nil
	}

	m := Member{SessionID: id, UserID: userID, Permission: PermissionView, Online: true, JoinedAt: s.now().UTC()}
	if err := s.saveMember(ctx, m); err != nil {
		return Member{}, opErr("join", id, err)
	}
	r.members[userID] = &m

	log.Info().Str("session_id", id).Str("user_id", userID).Msg("member joined session")
	s.hooks.Fire(ctx, hooks.Event{Kind: hooks.SessionJoined, UserID: userID, SessionID: id, Succeeded: true, At: m.JoinedAt})
	return m, nil
}

// Touch records activity by userID without changing shared state.
func (s *Store) Touch(ctx context.Context, id, userID string) error {
	r, err := s.lookup("touch", id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := s.requireActive(ctx, r); err != nil {
		return opErr("touch", id, err)
	}
	if _, ok := r.members[userID]; !ok && userID != r.state.OwnerID {
		return opErr("touch", id, fmt.Errorf("%w: %s is not a member", ErrPermissionDenied, userID))
	}
	next := r.state
	next.LastActivity = s.now().UTC()
	if err := s.saveSession(ctx, next); err != nil {
		return opErr("touch", id, err)
	}
	r.state = next
	return nil
}

// ApplyMutation changes the shared state on behalf of userID and relays the
// change to every other connected member. The change is persisted before
// it is relayed.
func (s *Store) ApplyMutation(ctx context.Context, id, userID string, mut Mutation) (result *MutationResult, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "session.mutation",
		monitor.AttrSessionID.String(id),
		monitor.AttrMutation.String(string(mut.Kind)),
	)
	defer func() {
		monitor.EndSpan(span, err)
		if s.metrics != nil {
			kind := string(mut.Kind)
			if mut.validate() != nil {
				kind = "unknown"
			}
			s.metrics.RecordMutation(kind, mutationResult(err))
		}
	}()

	if err := mut.validate(); err != nil {
		return nil, opErr("mutate", id, err)
	}
	r, err := s.lookup("mutate", id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := s.requireActive(ctx, r); err != nil {
		return nil, opErr("mutate", id, err)
	}
	m, ok := r.members[userID]
	if !ok && userID != r.state.OwnerID {
		return nil, opErr("mutate", id, fmt.Errorf("%w: %s is not a member", ErrPermissionDenied, userID))
	}
	if ok && EffectivePermission(r.state, *m) != PermissionEdit {
		return nil, opErr("mutate", id, fmt.Errorf("%w: %s has view access", ErrPermissionDenied, userID))
	}

	next := r.state
	var ev Event
	switch mut.Kind {
	case MutationCodeChange:
		next.Code = mut.Code
		ev = Event{Type: EventCodeChange, Payload: CodePayload{Code: mut.Code}, OriginatorUserID: userID}
	case MutationTerminalOutput:
		next.Scrollback = appendBounded(r.state.Scrollback, mut.Output, s.opts.ScrollbackLimit)
		ev = Event{Type: EventTerminalOutput, Payload: OutputPayload{Output: mut.Output}, OriginatorUserID: userID}
	}
	next.LastActivity = s.now().UTC()

	if err := s.saveSession(ctx, next); err != nil {
		return nil, opErr("mutate", id, err)
	}
	r.state = next
	s.publish(id, ev, userID)

	return &MutationResult{Session: next.clone(), Event: ev}, nil
}

// SetPermission changes a member's permission. Only the owner may call it,
// and the owner's own permission cannot be changed.
func (s *Store) SetPermission(ctx context.Context, id, callerID, targetID string, perm Permission) error {
	r, err := s.lookup("set_permission", id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := s.requireActive(ctx, r); err != nil {
		return opErr("set_permission", id, err)
	}
	if callerID != r.state.OwnerID {
		return opErr("set_permission", id, fmt.Errorf("%w: only the owner can change permissions", ErrPermissionDenied))
	}
	if !perm.Valid() {
		return opErr("set_permission", id, fmt.Errorf("%w: unknown permission %q", ErrInvalidArgument, perm))
	}
	if targetID == r.state.OwnerID {
		return opErr("set_permission", id, fmt.Errorf("%w: cannot change the owner's permission", ErrInvalidArgument))
	}
	m, ok := r.members[targetID]
	if !ok {
		return opErr("set_permission", id, fmt.Errorf("%w: member %s", ErrNotFound, targetID))
	}

	next := *m
	next.Permission = perm
	if err := s.saveMember(ctx, next); err != nil {
		return opErr("set_permission", id, err)
	}
	*m = next

	log.Info().Str("session_id", id).Str("user_id", targetID).Str("permission", string(perm)).Msg("member permission changed")
	s.publish(id, Event{Type: EventPermissionChanged, Payload: PermissionPayload{Permission: perm}, OriginatorUserID: callerID, TargetUserID: targetID}, "")
	return nil
}

// RemoveMember deletes targetID's membership. Only the owner may call it.
func (s *Store) RemoveMember(ctx context.Context, id, callerID, targetID string) error {
	r, err := s.lookup("remove_member", id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := s.requireActive(ctx, r); err != nil {
		return opErr("remove_member", id, err)
	}
	if callerID != r.state.OwnerID {
		return opErr("remove_member", id, fmt.Errorf("%w: only the owner can remove members", ErrPermissionDenied))
	}
	if targetID == r.state.OwnerID {
		return opErr("remove_member", id, fmt.Errorf("%w: cannot remove the owner", ErrInvalidArgument))
	}
	if _, ok := r.members[targetID]; !ok {
		return opErr("remove_member", id, fmt.Errorf("%w: member %s", ErrNotFound, targetID))
	}

	if s.persister != nil {
		if err := s.persister.DeleteMember(ctx, id, targetID); err != nil {
			return opErr("remove_member", id, err)
		}
	}
	delete(r.members, targetID)

	log.Info().Str("session_id", id).Str("user_id", targetID).Msg("member removed from session")
	s.publish(id, Event{
		Type:             EventMemberRemoved,
		Payload:          MessagePayload{Message: "You have been removed from this session"},
		OriginatorUserID: callerID,
		TargetUserID:     targetID,
	}, "")
	return nil
}

// SetOnline sets a member's presence flag and reports whether it changed.
// Going offline is allowed on inactive sessions.
func (s *Store) SetOnline(ctx context.Context, id, userID string, online bool) (bool, error) {
	r, err := s.lookup("set_online", id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if online {
		if err := s.requireActive(ctx, r); err != nil {
			return false, opErr("set_online", id, err)
		}
	}
	m, ok := r.members[userID]
	if !ok {
		return false, opErr("set_online", id, fmt.Errorf("%w: member %s", ErrNotFound, userID))
	}
	if m.Online == online {
		return false, nil
	}
	next := *m
	next.Online = online
	if err := s.saveMember(ctx, next); err != nil {
		return false, opErr("set_online", id, err)
	}
	*m = next
	return true, nil
}

// Members lists the session's members in join order.
func (s *Store) Members(ctx context.Context, id string) ([]Member, error) {
	r, err := s.lookup("members", id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s.expire(ctx, r)
	return r.memberList(), nil
}

// Restore loads persisted sessions into memory. It is called once at
// startup, before the store serves requests.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	sessions, members, err := s.persister.LoadSessions(ctx)
	if err != nil {
		return 0, opErr("restore", "", err)
	}

	rooms := make(map[string]*room, len(sessions))
	for _, sess := range sessions {
		if sess.Scrollback == nil {
			sess.Scrollback = []string{}
		}
		rooms[sess.ID] = &room{state: sess, members: make(map[string]*Member)}
	}
	// No connection survives a restart, so nobody is online yet.
	for i := range members {
		m := members[i]
		r, ok := rooms[m.SessionID]
		if !ok {
			continue
		}
		if m.Online {
			m.Online = false
			if err := s.saveMember(ctx, m); err != nil {
				log.Warn().Err(err).Str("session_id", m.SessionID).Str("user_id", m.UserID).Msg("failed to persist restored presence")
			}
		}
		r.members[m.UserID] = &m
	}

	s.mu.Lock()
	for id, r := range rooms {
		s.rooms[id] = r
	}
	s.mu.Unlock()

	log.Info().Int("sessions", len(rooms)).Int("members", len(members)).Msg("sessions restored")
	return len(rooms), nil
}

func (s *Store) lookup(op, id string) (*room, error) {
	if id == "" {
		return nil, opErr(op, id, fmt.Errorf("%w: session id is required", ErrInvalidArgument))
	}
	s.mu.RLock()
	r, ok := s.rooms[id]
	s.mu.RUnlock()
	if !ok {
		return nil, opErr(op, id, ErrNotFound)
	}
	return r, nil
}

// requireActive runs the lazy expiry check. Caller holds r.mu.
func (s *Store) requireActive(ctx context.Context, r *room) error {
	s.expire(ctx, r)
	if !r.state.Active {
		return ErrSessionInactive
	}
	return nil
}

// expire deactivates r if it is idle or past expires_at and reports
// whether it did. Caller holds r.mu.
func (s *Store) expire(ctx context.Context, r *room) bool {
	if !r.state.Active || !s.expired(r.state, s.now()) {
		return false
	}
	s.deactivate(ctx, r, "expired")
	return true
}

func (s *Store) expired(sess Session, now time.Time) bool {
	if now.Sub(sess.LastActivity) > s.opts.InactivityTimeout {
		return true
	}
	return sess.ExpiresAt != nil && now.After(*sess.ExpiresAt)
}

// deactivate is terminal. Persistence failures are logged: an expired room
// must not become usable again because a write failed.
func (s *Store) deactivate(ctx context.Context, r *room, reason string) {
	r.state.Active = false
	if err := s.saveSession(ctx, r.state); err != nil {
		log.Error().Err(err).Str("session_id", r.state.ID).Msg("failed to persist session deactivation")
	}
	for _, m := range r.members {
		if !m.Online {
			continue
		}
		m.Online = false
		if err := s.saveMember(ctx, *m); err != nil {
			log.Error().Err(err).Str("session_id", r.state.ID).Str("user_id", m.UserID).Msg("failed to persist member presence")
		}
	}
	log.Info().Str("session_id", r.state.ID).Str("reason", reason).
		Time("last_activity", r.state.LastActivity).Msg("session deactivated")
	s.publish(r.state.ID, Event{Type: EventSessionClosed, Payload: MessagePayload{Message: "This session is no longer active"}}, "")
}

func (s *Store) publish(id string, ev Event, exclude string) {
	if s.notifier != nil {
		s.notifier.Publish(id, ev, exclude)
	}
}

func (s *Store) saveSession(ctx context.Context, sess Session) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.SaveSession(ctx, sess)
}

func (s *Store) saveMember(ctx context.Context, m Member) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.SaveMember(ctx, m)
}

func (r *room) memberList() []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// appendBounded returns a new slice holding lines plus line, keeping at
// most limit entries by dropping the oldest.
func appendBounded(lines []string, line string, limit int) []string {
	start := 0
	if len(lines)+1 > limit {
		start = len(lines) + 1 - limit
	}
	out := make([]string, 0, len(lines)-start+1)
	out = append(out, lines[start:]...)
	return append(out, line)
}

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrSessionInactive):
		return "inactive"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrNotFound):
		return "invalid"
	default:
		return "error"
	}
}
