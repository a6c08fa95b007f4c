package dlq

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrMessageNotFound indicates the store has no record for the id
	ErrMessageNotFound = errors.New("dlq: message not found")
)

// Store persists one record per message id, scoped by queue name, so that
// in-flight failures survive a process restart.
type Store interface {
	Save(ctx context.Context, queue string, msg *Message) error
	Load(ctx context.Context, queue, id string) (*Message, error)
	LoadAll(ctx context.Context, queue string) ([]*Message, error)
	Delete(ctx context.Context, queue, id string) error
}

// MemoryStore is a Store for tests and ephemeral queues
type MemoryStore struct {
	mu     sync.RWMutex
	queues map[string]map[string]*Message
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]map[string]*Message),
	}
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, queue string, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		q = make(map[string]*Message)
		s.queues[queue] = q
	}
	q[msg.ID] = msg.clone()
	return nil
}

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context, queue, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.queues[queue][id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg.clone(), nil
}

// LoadAll implements Store
func (s *MemoryStore) LoadAll(ctx context.Context, queue string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]*Message, 0, len(s.queues[queue]))
	for _, msg := range s.queues[queue] {
		msgs = append(msgs, msg.clone())
	}
	return msgs, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(ctx context.Context, queue, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues[queue], id)
	return nil
}
