package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store for single-instance deployments and tests.
// Expired records are overwritten lazily by the next Reserve.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects a time source for expiry tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemory creates an empty in-memory idempotency store.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key string, pending *Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.records[key]; ok && !cur.Expired(s.now()) {
		return cur, false, nil
	}
	s.records[key] = pending
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, rec *Record) error {
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	// A final record stays put; only a pending marker is freed.
	if cur, ok := s.records[key]; ok && cur.Pending {
		delete(s.records, key)
	}
	s.mu.Unlock()
	return nil
}
