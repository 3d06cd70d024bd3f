package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/internal/metrics"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/oapi-codegen/runtime"
)

// OpenAPI describes the relay's HTTP surface.
//
//go:embed openapi.yaml
var OpenAPI []byte

// Server is the collaborative editing relay. Peers of the same document exchange encoded
// CRDT updates through it; the relay keeps its own replica so late joiners receive the
// full state on connect.
type Server struct {
	auth           *Authenticator
	maxConnections int
	store          ports.DocumentStore
	replication    ports.Provider
	metrics        *metrics.Metrics
	logger         *slog.Logger
	version        string

	rooms    *RoomManager
	upgrader websocket.Upgrader
}

// Option configures the Server.
type Option func(*Server)

// WithSecret enables JWT authentication with the given HS256 key.
// Without it every connection is accepted.
func WithSecret(secret []byte) Option {
	return func(s *Server) {
		if len(secret) > 0 {
			s.auth = NewAuthenticator(secret)
		}
	}
}

// WithMaxConnections limits the number of peers per document (0 = unlimited).
func WithMaxConnections(n int) Option {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithStore persists room state when the last peer leaves.
func WithStore(store ports.DocumentStore) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithReplication attaches every room to provider, so several relay instances serving
// the same document stay in sync. The Redis provider with WithForwardRemote fits here.
func WithReplication(provider ports.Provider) Option {
	return func(s *Server) {
		s.replication = provider
	}
}

// WithMetrics enables Prometheus instrumentation and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger configures a logger for the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates a relay server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:  logging.NewNop(),
		version: "unknown",
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rooms = NewRoomManager(s.store, s.replication, s.logger)
	return s
}

// Authenticator returns the token authenticator, or nil when authentication is disabled.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

// Rooms returns the active rooms.
func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

// Handler returns the HTTP handler exposing the relay routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/messages/{code}", s.GetMessage)
	r.Get("/sync/{documentKey}", s.Sync)
	r.Get("/openapi.yaml", s.GetOpenAPI)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return enableCORS(r)
}

// Close disconnects every peer and persists every open room.
func (s *Server) Close(ctx context.Context) error {
	return s.rooms.Close(ctx)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, map[string]any{
		"app":             "tandem-relay",
		"version":         strings.TrimSpace(s.version),
		"auth":            s.auth != nil,
		"replicated":      s.replication != nil,
		"max_connections": s.maxConnections,
	})
}

// GetOpenAPI handles the GET /openapi.yaml request.
func (s *Server) GetOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(OpenAPI)
}

// pathParam binds a simple-style path parameter.
func pathParam(r *http.Request, name string) (string, error) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("invalid format for parameter %s: %w", name, err)
	}
	return v, nil
}

// GetMessage handles the GET /messages/{code} request.
// Unknown codes resolve to the unknown-error message, never to a 404.
func (s *Server) GetMessage(w http.ResponseWriter, r *http.Request) {
	code, err := pathParam(r, "code")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, s.logger, map[string]any{
		"code":        syncerror.Classify(code),
		"title":       syncerror.ForCode(code).Title,
		"description": syncerror.ForCode(code).Description,
	})
}

// Sync handles the GET /sync/{documentKey} WebSocket upgrade.
func (s *Server) Sync(w http.ResponseWriter, r *http.Request) {
	raw, err := pathParam(r, "documentKey")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, err := domain.ParseDocumentKey(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "doc", key.String(), "err", err)
		return
	}
	p := newPeer(conn)

	// Failures are reported as close frames: browsers cannot read the status of a failed handshake.
	if s.auth != nil {
		if _, code := s.auth.Verify(tokenFromRequest(r), key); code != "" {
			s.reject(p, key, code)
			return
		}
	}

	room, err := s.rooms.Join(r.Context(), key, p, s.maxConnections)
	if err != nil {
		code := syncerror.CodeUnknownError
		if errors.Is(err, ErrRoomFull) {
			code = syncerror.CodeConnectionLimitExceeded
		} else {
			s.logger.Error("Failed to join room", "doc", key.String(), "err", err)
		}
		s.reject(p, key, code)
		return
	}
	s.metrics.ConnectionOpened()
	s.logger.Info("Peer connected", "doc", key.String(), "peers", room.Peers())

	defer func() {
		s.rooms.Leave(context.WithoutCancel(r.Context()), room, p)
		p.close(websocket.CloseNormalClosure, "")
		s.metrics.ConnectionClosed()
		s.logger.Info("Peer disconnected", "doc", key.String())
	}()

	go p.writeLoop()

	state, err := room.Doc().EncodeStateAsUpdate(nil)
	if err != nil {
		s.logger.Error("Failed to encode room state", "doc", key.String(), "err", err)
		return
	}
	p.enqueue(state)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Peer read failed", "doc", key.String(), "err", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if err := room.Doc().ApplyUpdate(msg, domain.OriginRemotePeer); err != nil {
			s.logger.Warn("Dropping invalid update", "doc", key.String(), "err", err)
			continue
		}
		s.metrics.UpdateRelayed()
	}
}

func (s *Server) reject(p *peer, key domain.DocumentKey, code syncerror.Code) {
	s.logger.Warn("Rejecting peer", "doc", key.String(), "code", code)
	s.metrics.ConnectionError(string(code))
	p.close(syncerror.CloseCode(code), string(code))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Response encode failed", "err", err)
	}
}
