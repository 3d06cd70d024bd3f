package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	backend "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type messageKind uint8

const (
	// messageSync carries the sender's state vector; peers answer with what it is missing.
	messageSync messageKind = iota + 1
	// messageUpdate carries encoded operations.
	messageUpdate
)

type envelope struct {
	Sender      string           `msgpack:"from"`
	Kind        messageKind      `msgpack:"kind"`
	StateVector crdt.StateVector `msgpack:"sv,omitempty"`
	Update      []byte           `msgpack:"update,omitempty"`
}

// Provider implements ports.Provider over Redis pub/sub.
// It lets several server replicas share the same documents.
type Provider struct {
	client        *backend.Client
	prefix        string
	forwardRemote bool
	logger        *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithChannelPrefix sets the pub/sub channel prefix.
func WithChannelPrefix(prefix string) ProviderOption {
	return func(p *Provider) {
		p.prefix = prefix
	}
}

// WithForwardRemote publishes updates applied with domain.OriginRemotePeer too.
// Relay replicas need it: every update their own peers send is remote to the replica.
// An update received over pub/sub is then published once more; subscribers drop the duplicate.
func WithForwardRemote() ProviderOption {
	return func(p *Provider) {
		p.forwardRemote = true
	}
}

// WithProviderLogger configures a logger for the Provider.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider creates a pub/sub provider from an existing client.
func NewProvider(client *backend.Client, opts ...ProviderOption) *Provider {
	p := &Provider{
		client: client,
		prefix: "tandem:updates:",
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) channel(key domain.DocumentKey) string {
	return p.prefix + key.String()
}

// Attach subscribes doc to the document channel, publishes its local updates and asks the
// other subscribers for the state it is missing.
func (p *Provider) Attach(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, events ports.ProviderEvents) (ports.DetachFunc, error) {
	status := func(s domain.ConnectionStatus) {
		if events.OnStatus != nil {
			events.OnStatus(key, s)
		}
	}
	fail := func(err error) {
		p.logger.Warn("Redis provider error", "doc", key.String(), "err", err)
		if events.OnError != nil {
			events.OnError(key, syncerror.NewError(syncerror.CodeUnknownError, map[string]any{"err": err.Error()}))
		}
	}

	status(domain.StatusConnecting)

	sub := p.client.Subscribe(ctx, p.channel(key))
	// Wait for the subscription confirmation so no message published after Attach is lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		fail(err)
		status(domain.StatusDisconnected)
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	unsubscribe := doc.OnUpdate(func(update []byte, origin domain.Origin) {
		if origin == domain.OriginRemotePeer && !p.forwardRemote {
			return
		}
		if err := p.publish(runCtx, key, envelope{Sender: doc.ClientID(), Kind: messageUpdate, Update: update}); err != nil {
			fail(err)
		}
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := sub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				p.handle(runCtx, key, doc, []byte(msg.Payload), fail)
			}
		}
	}()

	if err := p.publish(ctx, key, envelope{Sender: doc.ClientID(), Kind: messageSync, StateVector: doc.StateVector()}); err != nil {
		fail(err)
	}
	status(domain.StatusConnected)

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			unsubscribe()
			cancel()
			err = sub.Close()
			wg.Wait()
			status(domain.StatusDisconnected)
		})
		return err
	}, nil
}

func (p *Provider) handle(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, payload []byte, fail func(error)) {
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		p.logger.Warn("Dropping malformed pub/sub message", "doc", key.String(), "err", err)
		return
	}
	if env.Sender == doc.ClientID() {
		return
	}

	switch env.Kind {
	case messageSync:
		missing, err := doc.EncodeStateAsUpdate(env.StateVector)
		if err != nil {
			fail(err)
			return
		}
		if err := p.publish(ctx, key, envelope{Sender: doc.ClientID(), Kind: messageUpdate, Update: missing}); err != nil {
			fail(err)
		}
	case messageUpdate:
		if err := doc.ApplyUpdate(env.Update, domain.OriginRemotePeer); err != nil {
			p.logger.Warn("Failed to apply pub/sub update", "doc", key.String(), "err", err)
		}
	}
}

func (p *Provider) publish(ctx context.Context, key domain.DocumentKey, env envelope) error {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return p.client.Publish(ctx, p.channel(key), data).Err()
}
