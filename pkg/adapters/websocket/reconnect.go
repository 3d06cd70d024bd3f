package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

// supervisor owns the successive connections of one attached document.
type supervisor struct {
	provider *Provider
	key      domain.DocumentKey
	doc      *crdt.Doc
	events   ports.ProviderEvents

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	current *connection
	stopped bool
}

// run serves c, if any, then redials until the policy gives up, the relay rejects the
// peer for good, or the document is detached.
func (s *supervisor) run(c *connection) {
	defer close(s.done)
	policy := s.provider.newBackOff()
	logger := s.provider.logger.With("doc", s.key.String())

	for {
		if c != nil {
			if !s.adopt(c) {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
			c.start(s.doc)
			cerr := c.readLoop(s.doc)
			if cerr == nil || final(cerr) {
				return
			}
			policy.Reset()
		} else {
			status(s.events, s.key, domain.StatusDisconnected)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			logger.Warn("Giving up reconnecting to relay")
			return
		}
		logger.Debug("Reconnecting to relay", "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		status(s.events, s.key, domain.StatusConnecting)
		var err error
		c, err = s.provider.dial(s.ctx, s.key, s.events)
		if err != nil {
			logger.Warn("Failed to prepare relay connection", "err", err)
		}
		if s.ctx.Err() != nil {
			if c != nil {
				c.close(websocket.CloseNormalClosure, "")
			}
			status(s.events, s.key, domain.StatusDisconnected)
			return
		}
	}
}

// adopt records c as the live connection unless the document was detached.
func (s *supervisor) adopt(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.current = c
	return true
}

// stop ends the retries and closes the live connection.
func (s *supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	c := s.current
	s.mu.Unlock()

	s.cancel()
	if c != nil {
		c.close(websocket.CloseNormalClosure, "")
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// final reports whether the relay rejected the peer in a way a retry cannot fix.
func final(err *domain.ConnectionError) bool {
	switch syncerror.Code(err.Code) {
	case syncerror.CodeAuthenticationFailed, syncerror.CodeConnectionExpired:
		return true
	}
	return false
}
