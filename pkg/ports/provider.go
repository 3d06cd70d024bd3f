package ports

import (
	"context"

	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
)

// DetachFunc disconnects a document from its transport.
type DetachFunc func(ctx context.Context) error

// ProviderEvents receives transport notifications. Both callbacks are optional.
type ProviderEvents struct {
	OnStatus func(key domain.DocumentKey, status domain.ConnectionStatus)
	OnError  func(key domain.DocumentKey, err *domain.ConnectionError)
}

// Provider connects a document to its peers.
// It forwards local updates and applies incoming ones with domain.OriginRemotePeer.
type Provider interface {
	Attach(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, events ProviderEvents) (DetachFunc, error)
}
