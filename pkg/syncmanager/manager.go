package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/internal/metrics"
	"github.com/aretw0/tandem/pkg/adapters/memory"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/aretw0/tandem/pkg/undo"
	"github.com/google/uuid"
)

type document struct {
	entity      *Entity
	detach      ports.DetachFunc
	unsubscribe func()
}

// Manager owns every open document of a collaborative session.
// It is safe for concurrent use; operations on the same document are serialised.
type Manager struct {
	store    ports.DocumentStore
	provider ports.Provider
	locker   ports.DistributedLocker
	lockTTL  time.Duration
	clientID string
	undoOpts []undo.Option
	events   ports.ProviderEvents
	metrics  *metrics.Metrics
	logger   *slog.Logger

	undo *undo.Manager

	locksMu sync.Mutex
	locks   map[string]*lockEntry

	mu     sync.RWMutex
	docs   map[domain.DocumentKey]*document
	closed bool
}

// New creates a Manager. Without WithStore, state is kept in memory.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		lockTTL:  DefaultLockTTL,
		clientID: uuid.NewString(),
		logger:   logging.NewNop(),
		locks:    make(map[string]*lockEntry),
		docs:     make(map[domain.DocumentKey]*document),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = memory.NewStore()
	}

	undoOpts := append([]undo.Option{undo.WithLogger(m.logger)}, m.undoOpts...)
	um, err := undo.New(nil, undoOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create undo manager: %w", err)
	}
	m.undo = um
	return m, nil
}

// UndoManager returns the undo manager shared by every open document.
func (m *Manager) UndoManager() *undo.Manager {
	return m.undo
}

// Store returns the underlying document store.
func (m *Manager) Store() ports.DocumentStore {
	return m.store
}

// Load opens the document for an entity record, or returns it if already open.
// State is restored from the record's metadata field, then from the store; when neither has
// any, the record fields seed a fresh document with origin local-sync-manager.
func (m *Manager) Load(ctx context.Context, objectType, objectID string, record map[string]any) (*Entity, error) {
	key := domain.NewDocumentKey(objectType, objectID)
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}

	var entity *Entity
	err := m.withLock(ctx, key, func(ctx context.Context) error {
		m.mu.RLock()
		closed := m.closed
		d := m.docs[key]
		m.mu.RUnlock()
		if closed {
			return domain.ErrDestroyed
		}
		if d != nil {
			entity = d.entity
			return nil
		}

		doc := crdt.NewDoc(
			crdt.WithGUID(key.String()),
			crdt.WithClientID(m.clientID),
			crdt.WithLogger(m.logger),
		)
		if err := m.restore(ctx, key, doc, record); err != nil {
			return err
		}

		d = &document{entity: &Entity{Key: key, Doc: doc}}
		d.unsubscribe = doc.OnAfterTransaction(func(tx *crdt.Transaction) {
			m.metrics.Transaction(tx.Origin.String())
		})
		if err := m.undo.AddToScope(doc); err != nil {
			d.unsubscribe()
			return err
		}
		if m.provider != nil {
			detach, err := m.provider.Attach(ctx, key, doc, m.providerEvents())
			if err != nil {
				m.undo.RemoveFromScope(doc)
				d.unsubscribe()
				return fmt.Errorf("failed to attach provider for %s: %w", key, err)
			}
			d.detach = detach
		}

		m.mu.Lock()
		m.docs[key] = d
		m.mu.Unlock()
		m.metrics.DocumentOpened()
		m.logger.Debug("Document loaded", "doc", key.String())

		entity = d.entity
		return nil
	})
	return entity, err
}

func (m *Manager) restore(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc, record map[string]any) error {
	state, found, err := metaState(record)
	if err != nil {
		return err
	}
	if !found {
		state, err = m.store.Load(ctx, key)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, domain.ErrDocumentNotFound):
			return fmt.Errorf("failed to load document %s: %w", key, err)
		}
	}

	if found {
		if err := doc.ApplyUpdate(state, domain.OriginLocalSyncManager); err != nil {
			return fmt.Errorf("failed to restore document %s: %w", key, err)
		}
		return nil
	}

	keys := fieldKeys(record)
	if len(keys) == 0 {
		return nil
	}
	doc.Transact(domain.OriginLocalSyncManager, func(tx *crdt.Transaction) {
		rec := doc.Map(domain.RecordMapName)
		for _, k := range keys {
			rec.Set(tx, k, record[k])
		}
	})
	return m.persistLocked(ctx, key, doc)
}

// Edit runs fn as one transaction tagged with origin on a loaded document, persists the
// result and returns the Delta it produced. A transaction that changed nothing yields a nil Delta.
func (m *Manager) Edit(ctx context.Context, objectType, objectID string, origin domain.Origin, fn func(doc *crdt.Doc, tx *crdt.Transaction)) (*domain.Delta, error) {
	// Providers never forward remote-peer transactions, so a local edit tagged that way would not reach peers.
	if !origin.Valid() || origin == domain.OriginRemotePeer {
		return nil, fmt.Errorf("edit origin %q: %w", origin, domain.ErrInvalidOrigin)
	}
	key := domain.NewDocumentKey(objectType, objectID)

	var delta *domain.Delta
	err := m.withLock(ctx, key, func(ctx context.Context) error {
		d, err := m.document(key)
		if err != nil {
			return err
		}
		doc := d.entity.Doc

		var ops []crdt.Op
		unsubscribe := doc.OnAfterTransaction(func(tx *crdt.Transaction) {
			if tx.Source == d {
				ops = tx.Ops()
			}
		})
		doc.TransactAs(origin, d, func(tx *crdt.Transaction) {
			fn(doc, tx)
		})
		unsubscribe()

		if len(ops) == 0 {
			return nil
		}
		update, err := crdt.EncodeUpdate(crdt.Update{Ops: ops})
		if err != nil {
			return fmt.Errorf("failed to encode delta for %s: %w", key, err)
		}
		delta = &domain.Delta{DocumentKey: key, Origin: origin, Update: update}
		return m.persistLocked(ctx, key, doc)
	})
	return delta, err
}

// Update wraps record field changes in a Delta tagged with origin and merges it.
// A nil value deletes the field. The metadata field cannot be written this way.
func (m *Manager) Update(ctx context.Context, objectType, objectID string, changes map[string]any, origin domain.Origin) (*domain.Delta, error) {
	keys := fieldKeys(changes)
	return m.Edit(ctx, objectType, objectID, origin, func(doc *crdt.Doc, tx *crdt.Transaction) {
		rec := doc.Map(domain.RecordMapName)
		for _, k := range keys {
			if v := changes[k]; v != nil {
				rec.Set(tx, k, v)
			} else {
				rec.Delete(tx, k)
			}
		}
	})
}

// ApplyDelta merges an encoded Delta, such as a peer update, into its document.
func (m *Manager) ApplyDelta(ctx context.Context, delta domain.Delta) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	key := delta.DocumentKey
	return m.withLock(ctx, key, func(ctx context.Context) error {
		d, err := m.document(key)
		if err != nil {
			return err
		}
		if err := d.entity.Doc.ApplyUpdate(delta.Update, delta.Origin); err != nil {
			return fmt.Errorf("failed to apply delta to %s: %w", key, err)
		}
		return m.persistLocked(ctx, key, d.entity.Doc)
	})
}

// Entity returns a loaded entity.
func (m *Manager) Entity(objectType, objectID string) (*Entity, error) {
	d, err := m.document(domain.NewDocumentKey(objectType, objectID))
	if err != nil {
		return nil, err
	}
	return d.entity, nil
}

// Record returns the current replicated record of a loaded entity.
func (m *Manager) Record(objectType, objectID string) (map[string]any, error) {
	e, err := m.Entity(objectType, objectID)
	if err != nil {
		return nil, err
	}
	return e.Record(), nil
}

// Documents returns the keys of every open document, sorted.
func (m *Manager) Documents() []domain.DocumentKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]domain.DocumentKey, 0, len(m.docs))
	for k := range m.docs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Unload persists a document, disconnects it and forgets it.
func (m *Manager) Unload(ctx context.Context, objectType, objectID string) error {
	key := domain.NewDocumentKey(objectType, objectID)
	return m.withLock(ctx, key, func(ctx context.Context) error {
		d, err := m.document(key)
		if err != nil {
			return err
		}
		return m.unloadLocked(ctx, key, d)
	})
}

func (m *Manager) unloadLocked(ctx context.Context, key domain.DocumentKey, d *document) error {
	persistErr := m.persistLocked(ctx, key, d.entity.Doc)

	if d.detach != nil {
		if err := d.detach(ctx); err != nil {
			m.logger.Warn("Failed to detach provider", "doc", key.String(), "err", err)
		}
	}
	m.undo.RemoveFromScope(d.entity.Doc)
	d.unsubscribe()

	m.mu.Lock()
	delete(m.docs, key)
	m.mu.Unlock()
	m.metrics.DocumentClosed()
	m.logger.Debug("Document unloaded", "doc", key.String())
	return persistErr
}

// Undo reverts the latest capture group across every open document and persists them.
func (m *Manager) Undo(ctx context.Context) (*undo.StackItem, error) {
	item, err := m.undo.Undo()
	if err != nil || item == nil {
		return item, err
	}
	m.metrics.UndoOperation(string(undo.KindUndo))
	return item, m.persistItem(ctx, item)
}

// Redo re-applies the latest undone capture group and persists the touched documents.
func (m *Manager) Redo(ctx context.Context) (*undo.StackItem, error) {
	item, err := m.undo.Redo()
	if err != nil || item == nil {
		return item, err
	}
	m.metrics.UndoOperation(string(undo.KindRedo))
	return item, m.persistItem(ctx, item)
}

func (m *Manager) persistItem(ctx context.Context, item *undo.StackItem) error {
	var errs []error
	for _, guid := range item.Documents() {
		key, ok := m.keyForGUID(guid)
		if !ok {
			m.logger.Debug("Skipping persistence of unloaded document", "doc", guid)
			continue
		}
		errs = append(errs, m.persist(ctx, key))
	}
	return errors.Join(errs...)
}

func (m *Manager) keyForGUID(guid string) (domain.DocumentKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, d := range m.docs {
		if d.entity.Doc.GUID() == guid {
			return key, true
		}
	}
	return domain.DocumentKey{}, false
}

// Flush persists every open document.
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, key := range m.Documents() {
		errs = append(errs, m.persist(ctx, key))
	}
	return errors.Join(errs...)
}

func (m *Manager) persist(ctx context.Context, key domain.DocumentKey) error {
	return m.withLock(ctx, key, func(ctx context.Context) error {
		m.mu.RLock()
		d := m.docs[key]
		m.mu.RUnlock()
		if d == nil {
			return nil
		}
		return m.persistLocked(ctx, key, d.entity.Doc)
	})
}

func (m *Manager) persistLocked(ctx context.Context, key domain.DocumentKey, doc *crdt.Doc) error {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err == nil {
		err = m.store.Save(ctx, key, state)
	}
	m.metrics.Persisted(err)
	if err != nil {
		return fmt.Errorf("failed to persist document %s: %w", key, err)
	}
	return nil
}

// Close persists and unloads every document and destroys the undo manager.
// The Manager is unusable afterwards; further calls return domain.ErrDestroyed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, key := range m.Documents() {
		errs = append(errs, m.withLock(ctx, key, func(ctx context.Context) error {
			m.mu.RLock()
			d := m.docs[key]
			m.mu.RUnlock()
			if d == nil {
				return nil
			}
			return m.unloadLocked(ctx, key, d)
		}))
	}
	m.undo.Destroy()
	return errors.Join(errs...)
}

func (m *Manager) document(key domain.DocumentKey) (*document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, domain.ErrDestroyed
	}
	d, ok := m.docs[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, domain.ErrNotLoaded)
	}
	return d, nil
}

func (m *Manager) providerEvents() ports.ProviderEvents {
	return ports.ProviderEvents{
		OnStatus: func(key domain.DocumentKey, status domain.ConnectionStatus) {
			m.logger.Debug("Connection status changed", "doc", key.String(), "status", status)
			if m.events.OnStatus != nil {
				m.events.OnStatus(key, status)
			}
		},
		OnError: func(key domain.DocumentKey, err *domain.ConnectionError) {
			code := ""
			if err != nil {
				code = err.Code
			}
			msg := syncerror.Messages(err)
			m.metrics.ConnectionError(string(syncerror.Classify(code)))
			m.logger.Warn("Sync connection error", "doc", key.String(), "code", code, "title", msg.Title)
			if m.events.OnError != nil {
				m.events.OnError(key, err)
			}
		},
	}
}
