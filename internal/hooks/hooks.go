// Package hooks runs explicit post-action callbacks. Domain operations fire
// an Event after they succeed; registered hooks run synchronously, in
// registration order, and their failures are logged rather than returned.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	ExecutionCompleted Kind = "execution.completed"
	SessionCreated     Kind = "session.created"
	SessionJoined      Kind = "session.joined"
)

// Event describes a completed domain action.
type Event struct {
	Kind      Kind
	UserID    string
	SessionID string
	ExecID    string
	Succeeded bool
	At        time.Time
}

// Func is a hook. Returned errors are logged.
type Func func(ctx context.Context, ev Event) error

type registered struct {
	name string
	fn   Func
}

// Dispatcher holds hooks by event kind. A nil *Dispatcher fires nothing.
type Dispatcher struct {
	mu    sync.RWMutex
	hooks map[Kind][]registered
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{hooks: make(map[Kind][]registered)}
}

// Register adds fn for kind under name.
func (d *Dispatcher) Register(kind Kind, name string, fn Func) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[kind] = append(d.hooks[kind], registered{name: name, fn: fn})
}

// Fire runs every hook registered for ev.Kind.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) {
	if d == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.RLock()
	hooks := d.hooks[ev.Kind]
	d.mu.RUnlock()

	for _, h := range hooks {
		if err := run(ctx, h, ev); err != nil {
			log.Error().Err(err).
				Str("hook", h.name).
				Str("kind", string(ev.Kind)).
				Str("user_id", ev.UserID).
				Msg("post-action hook failed")
		}
	}
}

func run(ctx context.Context, h registered, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.fn(ctx, ev)
}
