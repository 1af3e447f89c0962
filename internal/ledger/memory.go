package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. It is the default when no database
// is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	byOwner map[string][]Entry // oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOwner: make(map[string][]Entry)}
}

func (m *MemoryStore) Append(_ context.Context, e Entry, maxPerOwner int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byOwner[e.OwnerID]
	entries = append(entries, e)
	// Keep (ExecutedAt, ID) order even if clocks step backwards.
	sort.SliceStable(entries, func(i, j int) bool { return less(entries[i], entries[j]) })

	evicted := 0
	if maxPerOwner > 0 && len(entries) > maxPerOwner {
		evicted = len(entries) - maxPerOwner
		entries = append([]Entry(nil), entries[evicted:]...)
	}
	m.byOwner[e.OwnerID] = entries
	return evicted, nil
}

func (m *MemoryStore) List(_ context.Context, ownerID string, limit, offset int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.byOwner[ownerID]
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, ownerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byOwner[ownerID]), nil
}

func less(a, b Entry) bool {
	if !a.ExecutedAt.Equal(b.ExecutedAt) {
		return a.ExecutedAt.Before(b.ExecutedAt)
	}
	return a.ID < b.ID
}
