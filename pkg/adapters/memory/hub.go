package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
)

const inboxSize = 1024

type peer struct {
	doc   *crdt.Doc
	inbox chan []byte
	done  chan struct{}
}

// Hub implements ports.Provider for documents living in the same process.
// Every document attached under the same key receives the others' local updates.
// Updates are applied on a per-peer goroutine, so delivery is asynchronous but FIFO.
type Hub struct {
	mu     sync.Mutex
	rooms  map[domain.DocumentKey]map[*peer]struct{}
	logger *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger configures a logger for the Hub.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty in-process hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		rooms:  make(map[domain.DocumentKey]map[*peer]struct{}),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach joins doc to the room for key and exchanges state with the peers already there.
func (h *Hub) Attach(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, events ports.ProviderEvents) (ports.DetachFunc, error) {
	p := &peer{doc: doc, inbox: make(chan []byte, inboxSize), done: make(chan struct{})}
	go h.run(key, p)

	h.mu.Lock()
	room, ok := h.rooms[key]
	if !ok {
		room = make(map[*peer]struct{})
		h.rooms[key] = room
	}
	for other := range room {
		if state, err := other.doc.EncodeStateAsUpdate(doc.StateVector()); err == nil {
			p.deliver(state)
		}
		if state, err := doc.EncodeStateAsUpdate(other.doc.StateVector()); err == nil {
			other.deliver(state)
		}
	}
	room[p] = struct{}{}
	h.mu.Unlock()

	unsubscribe := doc.OnUpdate(func(update []byte, origin domain.Origin) {
		if origin == domain.OriginRemotePeer {
			return
		}
		h.broadcast(key, p, update)
	})

	if events.OnStatus != nil {
		events.OnStatus(key, domain.StatusConnected)
	}

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			unsubscribe()
			h.mu.Lock()
			delete(h.rooms[key], p)
			if len(h.rooms[key]) == 0 {
				delete(h.rooms, key)
			}
			h.mu.Unlock()
			close(p.done)
			if events.OnStatus != nil {
				events.OnStatus(key, domain.StatusDisconnected)
			}
		})
		return nil
	}, nil
}

// Peers returns the number of documents attached under key.
func (h *Hub) Peers(key domain.DocumentKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[key])
}

func (h *Hub) broadcast(key domain.DocumentKey, from *peer, update []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.rooms[key] {
		if p != from {
			p.deliver(update)
		}
	}
}

func (p *peer) deliver(update []byte) {
	select {
	case p.inbox <- update:
	case <-p.done:
	}
}

func (h *Hub) run(key domain.DocumentKey, p *peer) {
	for {
		select {
		case <-p.done:
			return
		case update := <-p.inbox:
			if err := p.doc.ApplyUpdate(update, domain.OriginRemotePeer); err != nil {
				h.logger.Warn("Failed to apply hub update", "doc", key.String(), "err", err)
			}
		}
	}
}
