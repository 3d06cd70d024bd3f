package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	relay "github.com/aretw0/tandem/pkg/adapters/http"
	"github.com/aretw0/tandem/pkg/adapters/memory"
	"github.com/aretw0/tandem/pkg/adapters/redis"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/gorilla/websocket"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func newRelay(t *testing.T, opts ...relay.Option) (*relay.Server, *httptest.Server) {
	t.Helper()
	srv := relay.NewServer(opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, key string, token string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/" + key
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// closeCode reads until the server closes the connection and classifies the close frame.
func closeCode(t *testing.T, conn *websocket.Conn) syncerror.Code {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return syncerror.FromClose(ce.Code, ce.Text)
	}
}

// readTitle reads the next update from conn and returns the record title it carries.
func readTitle(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	replica := crdt.NewDoc()
	require.NoError(t, replica.ApplyUpdate(msg, domain.OriginRemotePeer))
	title, _ := replica.Map(domain.RecordMapName).Get("title")
	return title
}

func TestServer_Health(t *testing.T) {
	_, ts := newRelay(t, relay.WithVersion("1.2.3"))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	var info map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, false, info["auth"])
}

func TestServer_Messages(t *testing.T) {
	srv := relay.NewServer()
	tests := []struct {
		code  string
		title string
	}{
		{"authentication-failed", "Authentication Failed"},
		{"connection-expired", "Connection Expired"},
		{"connection-limit-exceeded", "Connection Limit Exceeded"},
		{"something-else", "Connection Lost"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/messages/"+tt.code, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.title, body["title"])
		})
	}
}

func TestServer_InvalidDocumentKey(t *testing.T) {
	srv := relay.NewServer()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/sync/no-separator", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Authentication(t *testing.T) {
	srv, ts := newRelay(t, relay.WithSecret(secret))
	auth := srv.Authenticator()
	key := domain.NewDocumentKey("post", "1")

	t.Run("missing token", func(t *testing.T) {
		conn := dial(t, wsURL(ts, key.String(), ""))
		assert.Equal(t, syncerror.CodeAuthenticationFailed, closeCode(t, conn))
	})

	t.Run("bad signature", func(t *testing.T) {
		token, err := relay.NewAuthenticator([]byte("other")).Issue("alice", key, time.Hour)
		require.NoError(t, err)
		conn := dial(t, wsURL(ts, key.String(), token))
		assert.Equal(t, syncerror.CodeAuthenticationFailed, closeCode(t, conn))
	})

	t.Run("wrong document", func(t *testing.T) {
		token, err := auth.Issue("alice", domain.NewDocumentKey("post", "2"), time.Hour)
		require.NoError(t, err)
		conn := dial(t, wsURL(ts, key.String(), token))
		assert.Equal(t, syncerror.CodeAuthenticationFailed, closeCode(t, conn))
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := auth.Issue("alice", key, -time.Minute)
		require.NoError(t, err)
		conn := dial(t, wsURL(ts, key.String(), token))
		code := closeCode(t, conn)
		assert.Equal(t, syncerror.CodeConnectionExpired, code)
		assert.Equal(t, "Connection Expired", syncerror.ForCode(string(code)).Title)
	})

	t.Run("bearer header", func(t *testing.T) {
		token, err := auth.Issue("alice", domain.DocumentKey{}, time.Hour)
		require.NoError(t, err)
		header := http.Header{"Authorization": []string{"Bearer " + token}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, key.String(), ""), header)
		require.NoError(t, err)
		defer conn.Close()

		// An accepted peer first receives the room state.
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, _, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, msgType)
	})
}

func TestServer_ConnectionLimit(t *testing.T) {
	_, ts := newRelay(t, relay.WithMaxConnections(1))
	key := "post:1"

	first := dial(t, wsURL(ts, key, ""))
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.NoError(t, err)

	second := dial(t, wsURL(ts, key, ""))
	assert.Equal(t, syncerror.CodeConnectionLimitExceeded, closeCode(t, second))

	// Other documents are not affected.
	other := dial(t, wsURL(ts, "post:2", ""))
	_ = other.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = other.ReadMessage()
	assert.NoError(t, err)
}

func TestServer_RelaysUpdatesAndPersists(t *testing.T) {
	store := memory.NewStore()
	srv, ts := newRelay(t, relay.WithStore(store))
	key := domain.NewDocumentKey("post", "1")

	a := dial(t, wsURL(ts, key.String(), ""))
	b := dial(t, wsURL(ts, key.String(), ""))
	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		require.NoError(t, err)
	}

	doc := crdt.NewDoc()
	var update []byte
	doc.OnUpdate(func(u []byte, _ domain.Origin) { update = u })
	doc.Transact(domain.OriginLocalEditor, func(tx *crdt.Transaction) {
		doc.Map(domain.RecordMapName).Set(tx, "title", "relayed")
	})
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, update))

	// Every peer, the sender included, receives the integrated update.
	for _, c := range []*websocket.Conn{a, b} {
		assert.Equal(t, "relayed", readTitle(t, c))
	}

	room, ok := srv.Rooms().Room(key)
	require.True(t, ok)
	assert.Equal(t, 2, room.Peers())
	title, _ := room.Doc().Map(domain.RecordMapName).Get("title")
	assert.Equal(t, "relayed", title)

	a.Close()
	b.Close()
	assert.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), key)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "last peer out persists the room")

	// A late joiner receives the persisted state.
	c := dial(t, wsURL(ts, key.String(), ""))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, state, err := c.ReadMessage()
	require.NoError(t, err)
	replica := crdt.NewDoc()
	require.NoError(t, replica.ApplyUpdate(state, domain.OriginRemotePeer))
	title, _ = replica.Map(domain.RecordMapName).Get("title")
	assert.Equal(t, "relayed", title)
}

func TestServer_Replication(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, ts1 := newRelay(t, relay.WithReplication(redis.NewProvider(client, redis.WithForwardRemote())))
	_, ts2 := newRelay(t, relay.WithReplication(redis.NewProvider(client, redis.WithForwardRemote())))
	key := domain.NewDocumentKey("post", "1")

	a := dial(t, wsURL(ts1, key.String(), ""))
	b := dial(t, wsURL(ts2, key.String(), ""))
	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		require.NoError(t, err)
	}

	doc := crdt.NewDoc()
	var update []byte
	doc.OnUpdate(func(u []byte, _ domain.Origin) { update = u })
	doc.Transact(domain.OriginLocalEditor, func(tx *crdt.Transaction) {
		doc.Map(domain.RecordMapName).Set(tx, "title", "across replicas")
	})
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, update))

	assert.Equal(t, "across replicas", readTitle(t, b))
}
