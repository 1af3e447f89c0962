package hooks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Milestone string

const (
	FirstRun           Milestone = "first_run"           // first clean run
	FirstSession       Milestone = "first_session"       // first hosted session
	FirstCollaboration Milestone = "first_collaboration" // first join of another user's session
)

// Milestones records the first time each user reaches a milestone.
type Milestones struct {
	mu      sync.Mutex
	reached map[string]map[Milestone]time.Time
	onReach func(userID string, m Milestone)
}

// NewMilestones returns a tracker; onReach, if set, is called once per
// user and milestone.
func NewMilestones(onReach func(userID string, m Milestone)) *Milestones {
	return &Milestones{
		reached: make(map[string]map[Milestone]time.Time),
		onReach: onReach,
	}
}

// Register wires the tracker into d.
func (m *Milestones) Register(d *Dispatcher) {
	d.Register(ExecutionCompleted, "milestones", func(_ context.Context, ev Event) error {
		if ev.Succeeded {
			m.mark(ev.UserID, FirstRun, ev.At)
		}
		return nil
	})
	d.Register(SessionCreated, "milestones", func(_ context.Context, ev Event) error {
		m.mark(ev.UserID, FirstSession, ev.At)
		return nil
	})
	d.Register(SessionJoined, "milestones", func(_ context.Context, ev Event) error {
		m.mark(ev.UserID, FirstCollaboration, ev.At)
		return nil
	})
}

func (m *Milestones) mark(userID string, ms Milestone, at time.Time) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	user, ok := m.reached[userID]
	if !ok {
		user = make(map[Milestone]time.Time)
		m.reached[userID] = user
	}
	if _, done := user[ms]; done {
		m.mu.Unlock()
		return
	}
	user[ms] = at
	m.mu.Unlock()

	log.Info().Str("user_id", userID).Str("milestone", string(ms)).Msg("milestone reached")
	if m.onReach != nil {
		m.onReach(userID, ms)
	}
}

// Reached returns when userID reached ms.
func (m *Milestones) Reached(userID string, ms Milestone) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.reached[userID][ms]
	return at, ok
}
