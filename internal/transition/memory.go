package transition

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	state    State
	revision uint64
}

// MemoryStore keeps state in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	seq     uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry)}
}

// Load returns the entry for deviceID, expired or not
func (m *MemoryStore) Load(_ context.Context, deviceID string) (State, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e := m.entries[deviceID]
	return e.state, e.revision, nil
}

// Save replaces the entry for deviceID if it is still at revision
func (m *MemoryStore) Save(_ context.Context, deviceID string, state State, revision uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[deviceID].revision != revision {
		return ErrConflict
	}
	// Revisions come from one counter so a swept and recreated entry never
	// repeats an old revision
	m.seq++
	m.entries[deviceID] = memEntry{state: state, revision: m.seq}
	return nil
}

// Len returns the number of stored entries
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes entries that are expired at now and returns how many were
// removed
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if !e.state.Live(now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done
func (m *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
