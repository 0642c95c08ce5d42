package ratelimit

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ WindowStore = (*MemoryStore)(nil)

// MemoryStore keeps windows in process memory. It is only shared by callers
// inside one process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]time.Time)}
}

func (m *MemoryStore) Record(_ context.Context, key string, now time.Time, window time.Duration, limit int) (WindowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.entries[key][:0]
	for _, ts := range m.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	st := WindowState{Count: len(kept)}
	if len(kept) < limit {
		kept = append(kept, now)
		st.Allowed = true
		st.Count++
	}
	if len(kept) == 0 {
		delete(m.entries, key)
		return st, nil
	}
	m.entries[key] = kept
	st.Oldest = slices.MinFunc(kept, time.Time.Compare)
	return st, nil
}
