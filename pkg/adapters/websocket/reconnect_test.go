package websocket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	relay "github.com/aretw0/tandem/pkg/adapters/http"
	"github.com/aretw0/tandem/pkg/adapters/websocket"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/cenkalti/backoff"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quickRetry() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

// flakyRelay drops the first connection it accepts, then behaves like srv.
func flakyRelay(t *testing.T, srv *relay.Server) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	upgrader := gorilla.Upgrader{}
	handler := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) == 1 {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.WriteControl(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(gorilla.CloseInternalServerErr, "restarting"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		ts.Close()
	})
	return ts, &dials
}

func TestProvider_ReconnectsAfterDrop(t *testing.T) {
	ts, dials := flakyRelay(t, relay.NewServer())
	ctx := context.Background()
	key := domain.NewDocumentKey("post", "1")
	rec := &recorder{}

	a := crdt.NewDoc()
	a.Transact(domain.OriginLocalEditor, func(tx *crdt.Transaction) {
		a.Map(domain.RecordMapName).Set(tx, "title", "kept across reconnects")
	})
	detachA, err := websocket.New(ts.URL, websocket.WithReconnect(quickRetry)).Attach(ctx, key, a, rec.events())
	require.NoError(t, err)
	defer detachA(ctx)

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	b := crdt.NewDoc()
	detachB, err := websocket.New(ts.URL).Attach(ctx, key, b, ports.ProviderEvents{})
	require.NoError(t, err)
	defer detachB(ctx)

	assert.Eventually(t, func() bool { return title(b) == "kept across reconnects" }, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, rec.lastError())
	assert.Equal(t, "Connection Lost", syncerror.Messages(rec.lastError()).Title)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	connecting := 0
	for _, s := range rec.statuses {
		if s == domain.StatusConnecting {
			connecting++
		}
	}
	assert.GreaterOrEqual(t, connecting, 2)
}

func TestProvider_ReconnectStopsOnAuthenticationFailure(t *testing.T) {
	srv := relay.NewServer(relay.WithSecret([]byte("secret")))
	var dials atomic.Int32
	handler := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
		ts.Close()
	})
	rec := &recorder{}

	p := websocket.New(ts.URL, websocket.WithToken("bogus"), websocket.WithReconnect(quickRetry))
	detach, err := p.Attach(context.Background(), domain.NewDocumentKey("post", "1"), crdt.NewDoc(), rec.events())
	require.NoError(t, err)
	defer detach(context.Background())

	require.Eventually(t, func() bool { return rec.lastError() != nil }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
}

func TestProvider_ReconnectGivesUp(t *testing.T) {
	rec := &recorder{}
	p := websocket.New("ws://127.0.0.1:1", websocket.WithReconnect(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}))

	detach, err := p.Attach(context.Background(), domain.NewDocumentKey("post", "1"), crdt.NewDoc(), rec.events())
	require.NoError(t, err)

	// The first dial and two retries each report a failure.
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.errs) == 3
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, detach(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.errs, 3)
	assert.Equal(t, domain.StatusDisconnected, rec.statuses[len(rec.statuses)-1])
}
