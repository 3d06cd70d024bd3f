// Package websocket connects documents to the tandem relay server over WebSockets.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// TokenSource returns the token presented to the relay for a document.
type TokenSource func(ctx context.Context, key domain.DocumentKey) (string, error)

// Provider implements ports.Provider on top of the relay's /sync endpoint.
type Provider struct {
	baseURL string
	tokens  TokenSource
	dialer  *websocket.Dialer
	logger  *slog.Logger

	newBackOff func() backoff.BackOff
}

// Option configures a Provider.
type Option func(*Provider)

// WithToken presents the same token for every document.
func WithToken(token string) Option {
	return func(p *Provider) {
		p.tokens = func(context.Context, domain.DocumentKey) (string, error) { return token, nil }
	}
}

// WithTokenSource fetches a token per document, for example from the host's REST API.
func WithTokenSource(src TokenSource) Option {
	return func(p *Provider) {
		p.tokens = src
	}
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(p *Provider) {
		p.dialer = d
	}
}

// WithReconnect redials the relay whenever a connection is lost, waiting between attempts
// as the policy returned by newBackOff dictates. A nil newBackOff uses exponential backoff.
// Authentication failures and expired tokens end the retries.
func WithReconnect(newBackOff func() backoff.BackOff) Option {
	return func(p *Provider) {
		if newBackOff == nil {
			newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
		}
		p.newBackOff = newBackOff
	}
}

// WithLogger configures a logger for the Provider.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New creates a Provider for the relay at baseURL (ws:// or wss://, http(s) is rewritten).
func New(baseURL string, opts ...Option) *Provider {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	}
	p := &Provider{
		baseURL: base,
		dialer:  websocket.DefaultDialer,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type connection struct {
	key         domain.DocumentKey
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	events      ports.ProviderEvents
	logger      *slog.Logger
	unsubscribe func()

	closeOnce sync.Once
	closing   bool
	mu        sync.Mutex
}

// Attach dials the relay for key and keeps doc in sync with the other peers.
// A failed dial is reported through events and leaves the document usable offline.
// With WithReconnect the provider keeps redialing until detached.
func (p *Provider) Attach(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, events ports.ProviderEvents) (ports.DetachFunc, error) {
	status(events, key, domain.StatusConnecting)

	c, err := p.dial(ctx, key, events)
	if err != nil {
		return nil, err
	}

	if p.newBackOff != nil {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s := &supervisor{
			provider: p,
			key:      key,
			doc:      doc,
			events:   events,
			ctx:      ctx,
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		go s.run(c)
		return s.stop, nil
	}

	if c == nil {
		status(events, key, domain.StatusDisconnected)
		return func(context.Context) error { return nil }, nil
	}
	c.start(doc)
	go func() {
		if cerr := c.readLoop(doc); cerr != nil {
			p.logger.Debug("Relay connection lost", "doc", key.String(), "code", cerr.Code)
		}
	}()
	return func(ctx context.Context) error {
		c.close(websocket.CloseNormalClosure, "")
		return nil
	}, nil
}

// dial opens a connection to the relay. A dial failure is reported through events and
// yields a nil connection; only a failure to build the request is returned as an error.
func (p *Provider) dial(ctx context.Context, key domain.DocumentKey, events ports.ProviderEvents) (*connection, error) {
	u, header, err := p.endpoint(ctx, key)
	if err != nil {
		return nil, err
	}

	conn, resp, err := p.dialer.DialContext(ctx, u, header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		ctxInfo := map[string]any{"err": err.Error()}
		if resp != nil {
			ctxInfo["status"] = resp.StatusCode
		}
		p.logger.Warn("Failed to dial relay", "doc", key.String(), "err", err)
		fail(events, key, syncerror.NewError(syncerror.CodeUnknownError, ctxInfo))
		return nil, nil
	}

	return &connection{
		key:    key,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		events: events,
		logger: p.logger,
	}, nil
}

func (p *Provider) endpoint(ctx context.Context, key domain.DocumentKey) (string, http.Header, error) {
	u, err := url.Parse(p.baseURL + "/sync/" + url.PathEscape(key.String()))
	if err != nil {
		return "", nil, fmt.Errorf("invalid relay url: %w", err)
	}
	header := http.Header{}
	if p.tokens != nil {
		token, err := p.tokens(ctx, key)
		if err != nil {
			return "", nil, fmt.Errorf("failed to obtain token for %s: %w", key, err)
		}
		if token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), header, nil
}

func (c *connection) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logger.Debug("Relay write failed", "doc", c.key.String(), "err", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// start sends the full local state, then forwards every local update.
func (c *connection) start(doc *crdt.Doc) {
	go c.writeLoop()

	state, err := doc.EncodeStateAsUpdate(nil)
	if err == nil {
		c.enqueue(state)
	}
	c.unsubscribe = doc.OnUpdate(func(update []byte, origin domain.Origin) {
		if origin == domain.OriginRemotePeer {
			return
		}
		c.enqueue(update)
	})
	status(c.events, c.key, domain.StatusConnected)
}

// readLoop applies incoming updates until the connection ends. It returns the
// reported failure, or nil when the connection was closed locally.
func (c *connection) readLoop(doc *crdt.Doc) *domain.ConnectionError {
	defer func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.close(websocket.CloseNormalClosure, "")
		status(c.events, c.key, domain.StatusDisconnected)
	}()

	for {
		msgType, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				return nil
			}
			cerr := classify(err)
			fail(c.events, c.key, cerr)
			return cerr
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := doc.ApplyUpdate(msg, domain.OriginRemotePeer); err != nil {
			c.logger.Warn("Dropping invalid relay update", "doc", c.key.String(), "err", err)
		}
	}
}

func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}

// classify turns a read failure into a connection error.
func classify(err error) *domain.ConnectionError {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := syncerror.FromClose(ce.Code, ce.Text)
		return syncerror.NewError(code, map[string]any{"close_code": ce.Code, "reason": ce.Text})
	}
	return syncerror.NewError(syncerror.CodeUnknownError, map[string]any{"err": err.Error()})
}

func status(events ports.ProviderEvents, key domain.DocumentKey, s domain.ConnectionStatus) {
	if events.OnStatus != nil {
		events.OnStatus(key, s)
	}
}

func fail(events ports.ProviderEvents, key domain.DocumentKey, err *domain.ConnectionError) {
	if events.OnError != nil {
		events.OnError(key, err)
	}
}
