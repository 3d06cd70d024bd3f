package websocket_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	relay "github.com/aretw0/tandem/pkg/adapters/http"
	"github.com/aretw0/tandem/pkg/adapters/websocket"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects provider events.
type recorder struct {
	mu       sync.Mutex
	statuses []domain.ConnectionStatus
	errs     []*domain.ConnectionError
}

func (r *recorder) events() ports.ProviderEvents {
	return ports.ProviderEvents{
		OnStatus: func(_ domain.DocumentKey, s domain.ConnectionStatus) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, s)
		},
		OnError: func(_ domain.DocumentKey, err *domain.ConnectionError) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) lastError() *domain.ConnectionError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

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

func title(d *crdt.Doc) any {
	v, _ := d.Map(domain.RecordMapName).Get("title")
	return v
}

func TestProvider_SyncsThroughRelay(t *testing.T) {
	_, ts := newRelay(t)
	ctx := context.Background()
	key := domain.NewDocumentKey("post", "1")
	p := websocket.New(ts.URL)

	a := crdt.NewDoc()
	b := crdt.NewDoc()
	a.Transact(domain.OriginLocalSyncManager, func(tx *crdt.Transaction) {
		a.Map(domain.RecordMapName).Set(tx, "title", "offline edit")
	})

	detachA, err := p.Attach(ctx, key, a, ports.ProviderEvents{})
	require.NoError(t, err)
	defer detachA(ctx)
	detachB, err := p.Attach(ctx, key, b, ports.ProviderEvents{})
	require.NoError(t, err)
	defer detachB(ctx)

	// State made before connecting reaches the late joiner.
	assert.Eventually(t, func() bool { return title(b) == "offline edit" }, 2*time.Second, 10*time.Millisecond)

	b.Transact(domain.OriginLocalEditor, func(tx *crdt.Transaction) {
		b.Text("content").Insert(tx, 0, "hello")
	})
	assert.Eventually(t, func() bool { return a.Text("content").String() == "hello" }, 2*time.Second, 10*time.Millisecond)
}

func TestProvider_ReportsAuthenticationFailure(t *testing.T) {
	_, ts := newRelay(t, relay.WithSecret([]byte("secret")))
	rec := &recorder{}

	p := websocket.New(ts.URL, websocket.WithToken("bogus"))
	detach, err := p.Attach(context.Background(), domain.NewDocumentKey("post", "1"), crdt.NewDoc(), rec.events())
	require.NoError(t, err)
	defer detach(context.Background())

	require.Eventually(t, func() bool { return rec.lastError() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Authentication Failed", syncerror.Messages(rec.lastError()).Title)
}

func TestProvider_ReportsExpiredToken(t *testing.T) {
	srv, ts := newRelay(t, relay.WithSecret([]byte("secret")))
	key := domain.NewDocumentKey("post", "1")
	token, err := srv.Authenticator().Issue("alice", key, -time.Second)
	require.NoError(t, err)
	rec := &recorder{}

	p := websocket.New(ts.URL, websocket.WithTokenSource(func(context.Context, domain.DocumentKey) (string, error) {
		return token, nil
	}))
	detach, err := p.Attach(context.Background(), key, crdt.NewDoc(), rec.events())
	require.NoError(t, err)
	defer detach(context.Background())

	require.Eventually(t, func() bool { return rec.lastError() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, string(syncerror.CodeConnectionExpired), rec.lastError().Code)
}

func TestProvider_ReportsConnectionLimit(t *testing.T) {
	srv, ts := newRelay(t, relay.WithMaxConnections(1))
	key := domain.NewDocumentKey("post", "1")
	p := websocket.New(ts.URL)

	detach, err := p.Attach(context.Background(), key, crdt.NewDoc(), ports.ProviderEvents{})
	require.NoError(t, err)
	defer detach(context.Background())
	require.Eventually(t, func() bool {
		room, ok := srv.Rooms().Room(key)
		return ok && room.Peers() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec := &recorder{}
	detach2, err := p.Attach(context.Background(), key, crdt.NewDoc(), rec.events())
	require.NoError(t, err)
	defer detach2(context.Background())

	require.Eventually(t, func() bool { return rec.lastError() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Connection Limit Exceeded", syncerror.Messages(rec.lastError()).Title)
}

func TestProvider_DialFailureKeepsDocumentOffline(t *testing.T) {
	rec := &recorder{}
	p := websocket.New("ws://127.0.0.1:1")

	detach, err := p.Attach(context.Background(), domain.NewDocumentKey("post", "1"), crdt.NewDoc(), rec.events())
	require.NoError(t, err)
	require.NoError(t, detach(context.Background()))

	require.NotNil(t, rec.lastError())
	assert.Equal(t, "Connection Lost", syncerror.Messages(rec.lastError()).Title)
	assert.Equal(t, []domain.ConnectionStatus{domain.StatusConnecting, domain.StatusDisconnected}, rec.statuses)
}

func TestProvider_DetachIsQuiet(t *testing.T) {
	_, ts := newRelay(t)
	rec := &recorder{}
	p := websocket.New(ts.URL)

	detach, err := p.Attach(context.Background(), domain.NewDocumentKey("post", "1"), crdt.NewDoc(), rec.events())
	require.NoError(t, err)
	require.NoError(t, detach(context.Background()))

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.statuses) > 0 && rec.statuses[len(rec.statuses)-1] == domain.StatusDisconnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, rec.lastError(), "closing our own connection is not an error")
}
