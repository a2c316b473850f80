package stats

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the counters in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, d Delta, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.HTMLRequests += d.Requests
	s.snap.HTMLTokens += d.Tokens
	s.snap.HTMLArchiveRequests += d.ArchiveRequests
	if s.snap.StartedAt.IsZero() {
		s.snap.StartedAt = at
	}
	return nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{}
	return nil
}

var _ Store = (*MemoryStore)(nil)
