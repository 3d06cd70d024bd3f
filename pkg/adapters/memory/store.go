package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aretw0/tandem/pkg/domain"
)

// Store implements ports.DocumentStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[domain.DocumentKey][]byte
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[domain.DocumentKey][]byte),
	}
}

// Save persists the state in memory.
func (s *Store) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	// Copy so the caller can reuse its buffer.
	copied := append([]byte(nil), state...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = copied
	return nil
}

// Load retrieves the state from memory.
func (s *Store) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[key]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return append([]byte(nil), state...), nil
}

// Delete removes the state.
func (s *Store) Delete(ctx context.Context, key domain.DocumentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns persisted documents, sorted by key.
func (s *Store) List(ctx context.Context) ([]domain.DocumentKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]domain.DocumentKey, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
