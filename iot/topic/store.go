package topic

import (
	"context"
	"sync"
)

// Store persists topic snapshots so the last known state of every device
// survives a restart. Connection bindings are never meaningful after a
// restart and implementations may drop them.
type Store interface {
	// SaveAll upserts every given topic
	SaveAll(ctx context.Context, topics []Topic) error

	// LoadAll returns every persisted topic
	LoadAll(ctx context.Context) ([]Topic, error)

	// Close releases the underlying resources
	Close(ctx context.Context) error
}

// MemoryStore keeps snapshots in process memory. It is the default store and
// is mostly useful in tests.
type MemoryStore struct {
	mu     sync.Mutex
	topics map[string]Topic
	order  []string
}

// NewMemoryStore creates an empty in-memory snapshot store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{topics: make(map[string]Topic)}
}

func (s *MemoryStore) SaveAll(_ context.Context, topics []Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if _, ok := s.topics[t.Name]; !ok {
			s.order = append(s.order, t.Name)
		}
		s.topics[t.Name] = snapshot(t)
	}
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Topic, 0, len(s.order))
	for _, name := range s.order {
		t := s.topics[name]
		result = append(result, t.clone())
	}
	return result, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

// snapshot strips the live connection binding before a topic is persisted.
func snapshot(t Topic) Topic {
	c := t.clone()
	c.DeviceConnectionID = ""
	c.IsOnline = false
	return c
}
