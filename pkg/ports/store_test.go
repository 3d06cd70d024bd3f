package ports_test

import (
	"context"
	"testing"

	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
)

// MockStore is a minimal map-backed DocumentStore used to check the contract suite itself.
type MockStore struct {
	data map[domain.DocumentKey][]byte
}

func NewMockStore() *MockStore {
	return &MockStore{data: make(map[domain.DocumentKey][]byte)}
}

func (m *MockStore) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	m.data[key] = append([]byte(nil), state...)
	return nil
}

func (m *MockStore) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	state, ok := m.data[key]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	return state, nil
}

func (m *MockStore) Delete(ctx context.Context, key domain.DocumentKey) error {
	delete(m.data, key)
	return nil
}

func (m *MockStore) List(ctx context.Context) ([]domain.DocumentKey, error) {
	keys := make([]domain.DocumentKey, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func TestDocumentStore_Contract(t *testing.T) {
	ports.RunDocumentStoreContract(t, NewMockStore())
}
