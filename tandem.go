package tandem

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/internal/metrics"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncmanager"
	"github.com/aretw0/tandem/pkg/undo"
)

// Runtime is the dependency-injection context of a tandem host.
// It holds the configured adapters and owns the process-wide SyncManager.
type Runtime struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	syncOpts []syncmanager.Option

	once    sync.Once
	manager *syncmanager.Manager
	err     error

	mu     sync.Mutex
	closed bool
}

// Option defines a functional option for configuring the Runtime.
type Option func(*Runtime)

// WithLogger sets a custom structured logger for the runtime and everything it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithStore sets the persistence backend of the SyncManager.
func WithStore(store ports.DocumentStore) Option {
	return func(r *Runtime) {
		r.syncOpts = append(r.syncOpts, syncmanager.WithStore(store))
	}
}

// WithProvider sets the transport that connects documents to their peers.
func WithProvider(provider ports.Provider) Option {
	return func(r *Runtime) {
		r.syncOpts = append(r.syncOpts, syncmanager.WithProvider(provider))
	}
}

// WithLocker enables distributed document locks.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(r *Runtime) {
		r.syncOpts = append(r.syncOpts, syncmanager.WithLocker(locker))
	}
}

// WithUndoOptions configures the shared undo manager.
func WithUndoOptions(opts ...undo.Option) Option {
	return func(r *Runtime) {
		r.syncOpts = append(r.syncOpts, syncmanager.WithUndoOptions(opts...))
	}
}

// WithConnectionEvents forwards transport status changes and errors to the host.
func WithConnectionEvents(events ports.ProviderEvents) Option {
	return func(r *Runtime) {
		r.syncOpts = append(r.syncOpts, syncmanager.WithConnectionEvents(events))
	}
}

// WithSyncOptions passes raw options to the SyncManager.
func WithSyncOptions(opts ...syncmanager.Option) Option {
	return func(r *Runtime) {
		r.syncOpts = append(r.syncOpts, opts...)
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// New initializes a Runtime. Nothing is connected or loaded until SyncManager is called.
func New(opts ...Option) (*Runtime, error) {
	r := &Runtime{
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return r, nil
}

// SyncManager returns the runtime's SyncManager, creating it on the first call.
// Every later call returns the identical instance.
func (r *Runtime) SyncManager() (*syncmanager.Manager, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, domain.ErrDestroyed
	}

	r.once.Do(func() {
		opts := append([]syncmanager.Option{
			syncmanager.WithLogger(r.logger),
			syncmanager.WithMetrics(r.metrics),
		}, r.syncOpts...)
		r.manager, r.err = syncmanager.New(opts...)
		if r.err == nil {
			r.logger.Debug("Sync manager created")
		}
	})
	return r.manager, r.err
}

// Logger returns the runtime logger.
func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Close tears down the SyncManager, if one was created. It is safe to call more than once.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Prevent a concurrent first SyncManager call from creating a manager after teardown.
	r.once.Do(func() { r.err = domain.ErrDestroyed })
	if r.manager == nil {
		return nil
	}
	return r.manager.Close(ctx)
}
