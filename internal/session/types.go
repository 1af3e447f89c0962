package session

import (
	"fmt"
	"time"
)

// Permission is a member's access level. Only the two named values exist.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// ParsePermission rejects anything other than "view" or "edit".
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidArgument, s)
	}
	return p, nil
}

func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

// Kind distinguishes plain shared snippets from live rooms. Only
// collaborative sessions accept realtime connections.
type Kind string

const (
	KindSimple        Kind = "simple"
	KindCollaborative Kind = "collaborative"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return KindCollaborative, nil
	case KindSimple, KindCollaborative:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: unknown session kind %q", ErrInvalidArgument, s)
	}
}

// Session is a point-in-time copy of a room's state.
type Session struct {
	ID           string     `json:"id"`
	OwnerID      string     `json:"owner_id"`
	Title        string     `json:"title,omitempty"`
	Kind         Kind       `json:"kind"`
	Code         string     `json:"code"`
	Scrollback   []string   `json:"terminal_scrollback"`
	Active       bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}

func (s Session) clone() Session {
	s.Scrollback = append(make([]string, 0, len(s.Scrollback)), s.Scrollback...)
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		s.ExpiresAt = &t
	}
	return s
}

// Member relates a user to a session.
type Member struct {
	SessionID  string     `json:"session_id"`
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
	Online     bool       `json:"is_online"`
	JoinedAt   time.Time  `json:"joined_at"`
}

// EffectivePermission is edit for the owner and the stored value for
// everyone else.
func EffectivePermission(s Session, m Member) Permission {
	if m.UserID == s.OwnerID {
		return PermissionEdit
	}
	return m.Permission
}

type MutationKind string

const (
	MutationCodeChange     MutationKind = "code_change"
	MutationTerminalOutput MutationKind = "terminal_output"
)

// Mutation changes a session's shared state. Code replaces the buffer;
// Output appends one scrollback line.
type Mutation struct {
	Kind   MutationKind `json:"type"`
	Code   string       `json:"code,omitempty"`
	Output string       `json:"output,omitempty"`
}

func (m Mutation) validate() error {
	switch m.Kind {
	case MutationCodeChange, MutationTerminalOutput:
		return nil
	default:
		return fmt.Errorf("%w: unknown mutation type %q", ErrInvalidArgument, m.Kind)
	}
}

// Event types relayed to connected members.
const (
	EventCodeChange        = "code_change"
	EventTerminalOutput    = "terminal_output"
	EventCursorPosition    = "cursor_position"
	EventMemberJoined      = "member_joined"
	EventMemberLeft        = "member_left"
	EventPermissionChanged = "permission_changed"
	EventMemberRemoved     = "member_removed"
	EventSessionState      = "session_state"
	EventMembers           = "members"
	EventSessionClosed     = "session_closed"
	EventError             = "error"
)

// Event is what the fan-out relays. A non-empty TargetUserID restricts
// delivery to that user.
type Event struct {
	Type             string `json:"type"`
	Payload          any    `json:"payload,omitempty"`
	OriginatorUserID string `json:"originator_user_id,omitempty"`
	TargetUserID     string `json:"-"`
}

type CodePayload struct {
	Code string `json:"code"`
}

type OutputPayload struct {
	Output string `json:"output"`
}

type PermissionPayload struct {
	Permission Permission `json:"permission"`
}

type MemberPayload struct {
	UserID string `json:"user_id"`
}

type MessagePayload struct {
	Message string `json:"message"`
}

// MutationResult is the state after an accepted mutation and the event
// that was relayed for it.
type MutationResult struct {
	Session Session `json:"session"`
	Event   Event   `json:"event"`
}

// CreateOptions are optional Create parameters.
type CreateOptions struct {
	Kind  Kind
	Title string
	// TTL sets an absolute expiry; zero falls back to the store default.
	TTL time.Duration
}

// SweepReport lists sessions found past their inactivity window or expiry.
type SweepReport struct {
	Checked     int      `json:"checked"`
	Deactivated []string `json:"deactivated"`
	DryRun      bool     `json:"dry_run"`
}
