package notify

import (
	"context"
	"sync"

	"atelier/internal/domain"
)

// Memory is an in-process notifier used when no broker is configured and by
// tests. Semantics match the redis notifier: fan-out to every open
// subscription, events dropped when nobody listens.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]*memorySubscription
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]*memorySubscription)}
}

func (m *Memory) Publish(ctx context.Context, jobID string, event domain.StatusEvent) error {
	m.mu.Lock()
	subs := append([]*memorySubscription(nil), m.subs[jobID]...)
	m.mu.Unlock()
	for _, sub := range subs {
		sub.send(event)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, jobID string) (domain.Subscription, error) {
	sub := &memorySubscription{
		owner:  m,
		jobID:  jobID,
		events: make(chan domain.StatusEvent, 16),
	}
	m.mu.Lock()
	m.subs[jobID] = append(m.subs[jobID], sub)
	m.mu.Unlock()
	return sub, nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[sub.jobID]
	for i, s := range subs {
		if s == sub {
			m.subs[sub.jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(m.subs[sub.jobID]) == 0 {
		delete(m.subs, sub.jobID)
	}
}

type memorySubscription struct {
	owner  *Memory
	jobID  string
	events chan domain.StatusEvent

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) send(event domain.StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

func (s *memorySubscription) Events() <-chan domain.StatusEvent { return s.events }

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	s.owner.remove(s)
	return nil
}

var _ domain.Notifier = (*Memory)(nil)
