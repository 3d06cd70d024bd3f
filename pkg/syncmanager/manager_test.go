package syncmanager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/tandem/pkg/adapters/memory"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/aretw0/tandem/pkg/syncmanager"
	"github.com/aretw0/tandem/pkg/undo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newManager(t *testing.T, opts ...syncmanager.Option) (*syncmanager.Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	opts = append([]syncmanager.Option{syncmanager.WithUndoOptions(undo.WithClock(clock.Now))}, opts...)
	m, err := syncmanager.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, clock
}

func TestManager_LoadSeedsRecord(t *testing.T) {
	store := memory.NewStore()
	m, _ := newManager(t, syncmanager.WithStore(store))
	ctx := context.Background()

	entity, err := m.Load(ctx, "post", "1", map[string]any{"title": "Hello", "status": "draft"})
	require.NoError(t, err)
	assert.Equal(t, "post:1", entity.Doc.GUID())
	assert.Equal(t, map[string]any{"title": "Hello", "status": "draft"}, entity.Record())

	// Seeding is not an editor change.
	assert.False(t, m.UndoManager().CanUndo())

	// The seeded state was persisted under "<type>:<id>".
	_, err = store.Load(ctx, domain.NewDocumentKey("post", "1"))
	assert.NoError(t, err)

	again, err := m.Load(ctx, "post", "1", map[string]any{"title": "ignored"})
	require.NoError(t, err)
	assert.Same(t, entity, again)
}

func TestManager_LoadRestoresFromStore(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first, _ := newManager(t, syncmanager.WithStore(store))
	_, err := first.Load(ctx, "post", "1", map[string]any{"title": "Draft"})
	require.NoError(t, err)
	_, err = first.Update(ctx, "post", "1", map[string]any{"title": "Edited"}, domain.OriginLocalEditor)
	require.NoError(t, err)
	require.NoError(t, first.Unload(ctx, "post", "1"))

	second, _ := newManager(t, syncmanager.WithStore(store))
	entity, err := second.Load(ctx, "post", "1", map[string]any{"title": "Stale server copy"})
	require.NoError(t, err)
	assert.Equal(t, "Edited", entity.Record()["title"])
}

func TestManager_LoadRestoresFromRecordMeta(t *testing.T) {
	ctx := context.Background()
	source, _ := newManager(t)
	entity, err := source.Load(ctx, "post", "7", map[string]any{"title": "Persisted"})
	require.NoError(t, err)
	_, err = source.Edit(ctx, "post", "7", domain.OriginLocalEditor, func(doc *crdt.Doc, tx *crdt.Transaction) {
		doc.Text("content").Insert(tx, 0, "body")
	})
	require.NoError(t, err)

	record, err := entity.PersistedRecord()
	require.NoError(t, err)
	require.Contains(t, record, domain.CRDTDocMetaPersistenceKey)

	target, _ := newManager(t)
	restored, err := target.Load(ctx, "post", "7", record)
	require.NoError(t, err)
	assert.Equal(t, "body", restored.Doc.Text("content").String())
	assert.Equal(t, map[string]any{"title": "Persisted"}, restored.Record())

	_, err = target.Load(ctx, "post", "8", map[string]any{domain.CRDTDocMetaPersistenceKey: 42})
	assert.ErrorIs(t, err, domain.ErrInvalidUpdate)
}

func TestManager_UpdateReturnsDelta(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Load(ctx, "post", "1", nil)
	require.NoError(t, err)

	delta, err := m.Update(ctx, "post", "1", map[string]any{"title": "Hi", domain.CRDTDocMetaPersistenceKey: "x"}, domain.OriginLocalEditor)
	require.NoError(t, err)
	require.NotNil(t, delta)
	assert.Equal(t, domain.OriginLocalEditor, delta.Origin)
	assert.Equal(t, domain.NewDocumentKey("post", "1"), delta.DocumentKey)
	require.NoError(t, delta.Validate())

	record, err := m.Record("post", "1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Hi"}, record)

	// The delta replays into another replica.
	replica := crdt.NewDoc()
	require.NoError(t, replica.ApplyUpdate(delta.Update, domain.OriginRemotePeer))
	title, _ := replica.Map(domain.RecordMapName).Get("title")
	assert.Equal(t, "Hi", title)

	delta, err = m.Update(ctx, "post", "1", map[string]any{"title": nil}, domain.OriginLocalEditor)
	require.NoError(t, err)
	require.NotNil(t, delta)
	record, _ = m.Record("post", "1")
	assert.Empty(t, record)

	delta, err = m.Update(ctx, "post", "1", nil, domain.OriginLocalEditor)
	require.NoError(t, err)
	assert.Nil(t, delta)
}

func TestManager_RejectsInvalidInput(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Load(ctx, "", "1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidDocumentKey)
	_, err = m.Load(ctx, "a:b", "1", map[string]any{"title": "seed"})
	assert.ErrorIs(t, err, domain.ErrInvalidDocumentKey)
	assert.Empty(t, m.Documents())

	_, err = m.Update(ctx, "post", "1", map[string]any{"title": "x"}, domain.OriginLocalEditor)
	assert.ErrorIs(t, err, domain.ErrNotLoaded)

	_, err = m.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	_, err = m.Update(ctx, "post", "1", map[string]any{"title": "x"}, domain.Origin("server"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrigin)
	_, err = m.Update(ctx, "post", "1", map[string]any{"title": "x"}, domain.OriginRemotePeer)
	assert.ErrorIs(t, err, domain.ErrInvalidOrigin)
	record, err := m.Record("post", "1")
	require.NoError(t, err)
	assert.Empty(t, record)

	err = m.ApplyDelta(ctx, domain.Delta{DocumentKey: domain.NewDocumentKey("post", "1"), Origin: domain.OriginRemotePeer})
	assert.ErrorIs(t, err, domain.ErrInvalidDelta)

	err = m.ApplyDelta(ctx, domain.Delta{
		DocumentKey: domain.NewDocumentKey("post", "1"),
		Origin:      domain.OriginRemotePeer,
		Update:      []byte("garbage"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUpdate)
}

func TestManager_ApplyDeltaFromPeer(t *testing.T) {
	ctx := context.Background()
	local, _ := newManager(t)
	remote, _ := newManager(t)

	_, err := local.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	_, err = remote.Load(ctx, "post", "1", nil)
	require.NoError(t, err)

	delta, err := remote.Update(ctx, "post", "1", map[string]any{"title": "From peer"}, domain.OriginLocalEditor)
	require.NoError(t, err)

	delta.Origin = domain.OriginRemotePeer
	require.NoError(t, local.ApplyDelta(ctx, *delta))

	record, err := local.Record("post", "1")
	require.NoError(t, err)
	assert.Equal(t, "From peer", record["title"])
	assert.False(t, local.UndoManager().CanUndo(), "peer changes are not undoable")
}

func TestManager_MultiDocumentUndo(t *testing.T) {
	store := memory.NewStore()
	m, clock := newManager(t, syncmanager.WithStore(store))
	ctx := context.Background()

	_, err := m.Load(ctx, "post", "1", map[string]any{"title": "Post"})
	require.NoError(t, err)
	_, err = m.Load(ctx, "wp_template", "single", map[string]any{"title": "Template"})
	require.NoError(t, err)

	_, err = m.Update(ctx, "post", "1", map[string]any{"title": "Post edited"}, domain.OriginLocalEditor)
	require.NoError(t, err)
	_, err = m.Update(ctx, "wp_template", "single", map[string]any{"title": "Template edited"}, domain.OriginLocalEditor)
	require.NoError(t, err)
	assert.Equal(t, 1, m.UndoManager().UndoDepth(), "edits inside one capture window form one group")

	item, err := m.Undo(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, []string{"post:1", "wp_template:single"}, item.Documents())

	post, _ := m.Record("post", "1")
	tpl, _ := m.Record("wp_template", "single")
	assert.Equal(t, "Post", post["title"])
	assert.Equal(t, "Template", tpl["title"])

	// Undo was persisted.
	reloaded, _ := newManager(t, syncmanager.WithStore(store))
	entity, err := reloaded.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, "Post", entity.Record()["title"])

	clock.Advance(time.Second)
	_, err = m.Redo(ctx)
	require.NoError(t, err)
	post, _ = m.Record("post", "1")
	assert.Equal(t, "Post edited", post["title"])

	item, err = m.Redo(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestManager_UndoPersistsDocumentWithColonInID(t *testing.T) {
	store := memory.NewStore()
	m, _ := newManager(t, syncmanager.WithStore(store))
	ctx := context.Background()

	_, err := m.Load(ctx, "menu", "main:footer", map[string]any{"title": "seed"})
	require.NoError(t, err)
	_, err = m.Update(ctx, "menu", "main:footer", map[string]any{"title": "edit"}, domain.OriginLocalEditor)
	require.NoError(t, err)

	item, err := m.Undo(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, []string{"menu:main:footer"}, item.Documents())

	reloaded, _ := newManager(t, syncmanager.WithStore(store))
	entity, err := reloaded.Load(ctx, "menu", "main:footer", nil)
	require.NoError(t, err)
	assert.Equal(t, "seed", entity.Record()["title"])
}

func TestManager_UnloadRemovesFromUndoScope(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	_, err = m.Update(ctx, "post", "1", map[string]any{"title": "x"}, domain.OriginLocalEditor)
	require.NoError(t, err)
	require.True(t, m.UndoManager().CanUndo())

	require.NoError(t, m.Unload(ctx, "post", "1"))
	assert.False(t, m.UndoManager().CanUndo())
	assert.Empty(t, m.Documents())

	assert.ErrorIs(t, m.Unload(ctx, "post", "1"), domain.ErrNotLoaded)
}

func TestManager_ProviderSyncsPeers(t *testing.T) {
	hub := memory.NewHub()
	ctx := context.Background()
	a, _ := newManager(t, syncmanager.WithProvider(hub))
	b, _ := newManager(t, syncmanager.WithProvider(hub))

	_, err := a.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	_, err = b.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Peers(domain.NewDocumentKey("post", "1")))

	_, err = a.Update(ctx, "post", "1", map[string]any{"title": "shared"}, domain.OriginLocalEditor)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, err := b.Record("post", "1")
		return err == nil && rec["title"] == "shared"
	}, time.Second, 10*time.Millisecond)
	assert.False(t, b.UndoManager().CanUndo())

	require.NoError(t, a.Unload(ctx, "post", "1"))
	assert.Equal(t, 1, hub.Peers(domain.NewDocumentKey("post", "1")))
}

// failingProvider reports a connection error on attach.
type failingProvider struct {
	code string
}

func (p failingProvider) Attach(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, events ports.ProviderEvents) (ports.DetachFunc, error) {
	events.OnStatus(key, domain.StatusConnecting)
	events.OnError(key, &domain.ConnectionError{Code: p.code})
	events.OnStatus(key, domain.StatusDisconnected)
	return func(context.Context) error { return nil }, nil
}

func TestManager_ConnectionEvents(t *testing.T) {
	var (
		statuses []domain.ConnectionStatus
		messages []syncerror.Message
	)
	m, _ := newManager(t,
		syncmanager.WithProvider(failingProvider{code: "connection-limit-exceeded"}),
		syncmanager.WithConnectionEvents(ports.ProviderEvents{
			OnStatus: func(key domain.DocumentKey, status domain.ConnectionStatus) {
				statuses = append(statuses, status)
			},
			OnError: func(key domain.DocumentKey, err *domain.ConnectionError) {
				messages = append(messages, syncerror.Messages(err))
			},
		}),
	)

	_, err := m.Load(context.Background(), "post", "1", nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnectionStatus{domain.StatusConnecting, domain.StatusDisconnected}, statuses)
	require.Len(t, messages, 1)
	assert.Equal(t, "Connection Limit Exceeded", messages[0].Title)
}

type attachError struct{}

func (attachError) Attach(context.Context, domain.DocumentKey, *crdt.Doc, ports.ProviderEvents) (ports.DetachFunc, error) {
	return nil, errors.New("dial failed")
}

func TestManager_AttachFailureLeavesNothingOpen(t *testing.T) {
	m, _ := newManager(t, syncmanager.WithProvider(attachError{}))
	_, err := m.Load(context.Background(), "post", "1", nil)
	assert.Error(t, err)
	assert.Empty(t, m.Documents())
}

func TestManager_Close(t *testing.T) {
	store := memory.NewStore()
	m, err := syncmanager.New(syncmanager.WithStore(store))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Load(ctx, "post", "1", nil)
	require.NoError(t, err)
	_, err = m.Update(ctx, "post", "1", map[string]any{"title": "closing"}, domain.OriginLocalEditor)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.NoError(t, m.Close(ctx), "Close is idempotent")
	assert.Empty(t, m.Documents())

	_, err = m.Load(ctx, "post", "2", nil)
	assert.ErrorIs(t, err, domain.ErrDestroyed)
	_, err = m.Undo(ctx)
	assert.ErrorIs(t, err, domain.ErrDestroyed)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.DocumentKey{domain.NewDocumentKey("post", "1")}, keys)
}
