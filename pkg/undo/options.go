package undo

import (
	"log/slog"
	"time"

	"github.com/aretw0/tandem/pkg/domain"
)

// DefaultCaptureTimeout is the capture window used when none is configured.
const DefaultCaptureTimeout = 500 * time.Millisecond

// Hooks observes stack activity.
type Hooks struct {
	// OnStackItemAdded runs when a capture group is opened on either stack.
	// Handlers may write to item.Meta.
	OnStackItemAdded func(item *StackItem, kind Kind)
	// OnStackItemPopped runs after an item has been undone or redone.
	OnStackItemPopped func(item *StackItem, kind Kind)
}

// Option configures a Manager.
type Option func(*Manager)

// WithCaptureTimeout sets how long tracked changes keep merging into the open capture group.
// Zero disables merging: every transaction becomes its own stack item.
func WithCaptureTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.captureTimeout = d
	}
}

// WithTrackedOrigins replaces the default tracked origin set (local-editor only).
func WithTrackedOrigins(origins ...domain.Origin) Option {
	return func(m *Manager) {
		m.tracked = make(map[domain.Origin]struct{}, len(origins))
		for _, o := range origins {
			m.tracked[o] = struct{}{}
		}
	}
}

// WithClock overrides the time source used for capture windows.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHooks registers stack observers.
func WithHooks(h Hooks) Option {
	return func(m *Manager) {
		m.hooks = h
	}
}
