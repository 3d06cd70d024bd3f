package ports

import (
	"context"

	"github.com/aretw0/tandem/pkg/domain"
)

// DocumentStore persists the encoded CRDT state of collaborative documents.
// Stored state is an update produced by crdt.Doc.EncodeStateAsUpdate.
type DocumentStore interface {
	// Save persists the state for a given document.
	Save(ctx context.Context, key domain.DocumentKey, state []byte) error

	// Load retrieves the state for a given document.
	// Returns domain.ErrDocumentNotFound if nothing was persisted.
	Load(ctx context.Context, key domain.DocumentKey) ([]byte, error)

	// Delete removes the state for a given document.
	Delete(ctx context.Context, key domain.DocumentKey) error

	// List returns the keys of every persisted document.
	List(ctx context.Context) ([]domain.DocumentKey, error)
}
