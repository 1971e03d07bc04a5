// Package memory provides the in-process ledger store. Suitable for a single
// instance; deployments with more than one replica should use the redis or
// postgres store so counters aggregate across instances.
package memory

import (
	"context"
	"sync"
	"time"

	"aport/internal/ledger"
	id "aport/pkg/domain"
)

// Store implements ledger.Store with per-agent locking. Unrelated agents
// never contend on the same mutex.
type Store struct {
	mu     sync.Mutex
	agents map[id.AgentID]*agentCounters
	now    func() time.Time
}

// agentCounters holds every counter bucket for one agent behind one lock,
// which is what makes batch reservations atomic per agent.
type agentCounters struct {
	mu      sync.Mutex
	buckets map[string]float64
}

// Option configures the store.
type Option func(*Store)

// WithClock injects a time source for window rollover tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory ledger store.
func New(opts ...Option) *Store {
	s := &Store{
		agents: make(map[id.AgentID]*agentCounters),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) forAgent(agentID id.AgentID) *agentCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	ac, ok := s.agents[agentID]
	if !ok {
		ac = &agentCounters{buckets: make(map[string]float64)}
		s.agents[agentID] = ac
	}
	return ac
}

// CheckAndIncrement reserves delta for one dimension, refusing when the
// post-increment total would exceed cap. cap < 0 means uncapped.
func (s *Store) CheckAndIncrement(_ context.Context, agentID id.AgentID, dimension string, window ledger.Window, delta, cap float64) (bool, float64, error) {
	ac := s.forAgent(agentID)
	ac.mu.Lock()
	defer ac.mu.Unlock()

	key := ledger.CounterKey(agentID, dimension, window, s.now())
	current := ac.buckets[key]
	if cap >= 0 && current+delta > cap {
		return false, current, nil
	}
	ac.buckets[key] = current + delta
	return true, current + delta, nil
}

// CheckAndIncrementBatch applies every entry or none. All of an agent's
// buckets live under one lock, so the check and the increments are a single
// atomic step.
func (s *Store) CheckAndIncrementBatch(_ context.Context, agentID id.AgentID, entries []ledger.Entry, caps ledger.CapFunc) (bool, string, error) {
	ac := s.forAgent(agentID)
	ac.mu.Lock()
	defer ac.mu.Unlock()

	now := s.now()

	// Pre-aggregate deltas per bucket so a batch naming the same dimension
	// twice is checked against its combined total.
	pending := make(map[string]float64, len(entries))
	for _, e := range entries {
		pending[ledger.CounterKey(agentID, e.Dimension, e.Window, now)] += e.Delta
	}

	for _, e := range entries {
		cap, capped := caps(e.Dimension)
		if !capped {
			continue
		}
		key := ledger.CounterKey(agentID, e.Dimension, e.Window, now)
		if ac.buckets[key]+pending[key] > cap {
			return false, e.Dimension, nil
		}
	}
	for key, delta := range pending {
		ac.buckets[key] += delta
	}
	return true, "", nil
}

// Current reads the active window's counter; rolled-over buckets read zero.
func (s *Store) Current(_ context.Context, agentID id.AgentID, dimension string, window ledger.Window) (float64, error) {
	ac := s.forAgent(agentID)
	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.buckets[ledger.CounterKey(agentID, dimension, window, s.now())], nil
}
