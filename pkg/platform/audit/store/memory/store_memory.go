package memory

import (
	"context"
	"sync"

	id "aport/pkg/domain"
	audit "aport/pkg/platform/audit"
)

// InMemoryStore keeps audit events per agent. Used by tests and by
// single-process deployments that run without a broker.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.AgentID][]audit.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.AgentID][]audit.Event)}
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[id.AgentID][]audit.Event)
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.AgentID] = append(s.events[event.AgentID], event)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, agentID id.AgentID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[agentID]...), nil
}

// ListAll returns every stored event, for diagnostics.
func (s *InMemoryStore) ListAll(_ context.Context) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []audit.Event
	for _, events := range s.events {
		all = append(all, events...)
	}
	return all, nil
}

// StorePublisher adapts a Store into a Publisher for brokerless deployments.
type StorePublisher struct {
	store audit.Store
}

func NewStorePublisher(store audit.Store) *StorePublisher {
	return &StorePublisher{store: store}
}

func (p *StorePublisher) Emit(ctx context.Context, event audit.Event) error {
	return p.store.Append(ctx, event)
}
