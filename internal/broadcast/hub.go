// Package broadcast relays session events to the members connected to a
// session over WebSocket.
package broadcast

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"coderoom/internal/monitor"
	"coderoom/internal/session"
)

// Hub tracks live connections per session and user. A user may hold
// several connections; presence changes only on the first and last one.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]map[*Client]struct{}
	metrics *monitor.Metrics
}

func NewHub(metrics *monitor.Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]map[string]map[*Client]struct{}),
		metrics: metrics,
	}
}

// Subscribe registers c and reports whether it is the user's first
// connection to the session.
func (h *Hub) Subscribe(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	users, ok := h.rooms[c.sessionID]
	if !ok {
		users = make(map[string]map[*Client]struct{})
		h.rooms[c.sessionID] = users
	}
	conns, ok := users[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		users[c.userID] = conns
	}
	conns[c] = struct{}{}
	if h.metrics != nil {
		h.metrics.OnlineConnections.Inc()
	}
	return len(conns) == 1
}

// Unsubscribe removes c and reports whether it was the user's last
// connection. Removing an unknown client is a no-op.
func (h *Hub) Unsubscribe(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	users, ok := h.rooms[c.sessionID]
	if !ok {
		return false
	}
	conns, ok := users[c.userID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if h.metrics != nil {
		h.metrics.OnlineConnections.Dec()
	}
	if len(conns) > 0 {
		return false
	}
	delete(users, c.userID)
	if len(users) == 0 {
		delete(h.rooms, c.sessionID)
	}
	return true
}

// Publish delivers ev to every connection in the session except those of
// excludeUserID. Events with a TargetUserID go only to that user. Publish
// never blocks: a connection whose buffer is full is dropped.
func (h *Hub) Publish(sessionID string, ev session.Event, excludeUserID string) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("type", ev.Type).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	var targets []*Client
	for userID, conns := range h.rooms[sessionID] {
		if userID == excludeUserID {
			continue
		}
		if ev.TargetUserID != "" && userID != ev.TargetUserID {
			continue
		}
		for c := range conns {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if h.metrics != nil {
		h.metrics.BroadcastEvents.WithLabelValues(ev.Type).Inc()
	}
	for _, c := range targets {
		if !c.enqueue(data) {
			if h.metrics != nil {
				h.metrics.BroadcastDropped.Inc()
			}
			log.Warn().Str("session_id", sessionID).Str("user_id", c.userID).Msg("slow subscriber dropped")
			c.kick()
			continue
		}
		switch ev.Type {
		case session.EventMemberRemoved, session.EventSessionClosed:
			c.kick()
		}
	}
}

// Online lists the users with at least one live connection.
func (h *Hub) Online(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[sessionID]))
	for userID := range h.rooms[sessionID] {
		out = append(out, userID)
	}
	return out
}

var _ session.Notifier = (*Hub)(nil)
