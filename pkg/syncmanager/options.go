package syncmanager

import (
	"log/slog"
	"time"

	"github.com/aretw0/tandem/internal/metrics"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/undo"
)

// DefaultLockTTL bounds how long a distributed document lock is held if the holder dies.
const DefaultLockTTL = 30 * time.Second

// Option configures the Manager.
type Option func(*Manager)

// WithStore sets the persistence backend (defaults to an in-memory store).
func WithStore(store ports.DocumentStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithProvider connects every loaded document to its peers.
func WithProvider(provider ports.Provider) Option {
	return func(m *Manager) {
		m.provider = provider
	}
}

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the TTL of distributed document locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.lockTTL = ttl
	}
}

// WithClientID sets the peer identifier stamped on local operations.
func WithClientID(id string) Option {
	return func(m *Manager) {
		m.clientID = id
	}
}

// WithUndoOptions configures the shared undo manager.
func WithUndoOptions(opts ...undo.Option) Option {
	return func(m *Manager) {
		m.undoOpts = append(m.undoOpts, opts...)
	}
}

// WithConnectionEvents forwards provider status changes and connection errors to the host.
func WithConnectionEvents(events ports.ProviderEvents) Option {
	return func(m *Manager) {
		m.events = events
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mtr
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}
