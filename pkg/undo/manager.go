package undo

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
)

// Scope is a document, or a single replicated type of a document, whose changes are tracked.
// *crdt.Doc, *crdt.Map and *crdt.Text all satisfy it.
type Scope interface {
	Doc() *crdt.Doc
}

// CaptureState is the state of the capture window.
type CaptureState string

const (
	CaptureIdle      CaptureState = "idle"
	CaptureCapturing CaptureState = "capturing"
)

type docScope struct {
	all         bool
	types       map[string]struct{}
	unsubscribe func()
}

func (s *docScope) covers(typeName string) bool {
	if s.all {
		return true
	}
	_, ok := s.types[typeName]
	return ok
}

// Manager keeps a single undo/redo history spanning several documents, as if they were
// one editing session. Only changes whose origin is tracked are recorded.
type Manager struct {
	// opMu serialises Undo and Redo. It is never held by transaction observers.
	opMu sync.Mutex

	mu             sync.Mutex
	scopes         map[*crdt.Doc]*docScope
	tracked        map[domain.Origin]struct{}
	undoStack      []*StackItem
	redoStack      []*StackItem
	capturing      bool
	lastChange     time.Time
	captureTimeout time.Duration
	applying       *StackItem
	destroyed      bool

	now    func() time.Time
	logger *slog.Logger
	hooks  Hooks
}

// New creates a Manager tracking the given scope.
func New(scope []Scope, opts ...Option) (*Manager, error) {
	m := &Manager{
		scopes:         make(map[*crdt.Doc]*docScope),
		tracked:        map[domain.Origin]struct{}{domain.OriginLocalEditor: {}},
		captureTimeout: DefaultCaptureTimeout,
		now:            time.Now,
		logger:         logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.AddToScope(scope...); err != nil {
		return nil, err
	}
	return m, nil
}

// AddToScope registers documents or document types whose changes should be tracked.
func (m *Manager) AddToScope(scopes ...Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return domain.ErrDestroyed
	}

	for _, s := range scopes {
		if s == nil || s.Doc() == nil {
			return fmt.Errorf("undo scope must reference a document")
		}
		doc := s.Doc()
		ds, ok := m.scopes[doc]
		if !ok {
			ds = &docScope{types: make(map[string]struct{})}
			ds.unsubscribe = doc.OnAfterTransaction(m.afterTransaction)
			m.scopes[doc] = ds
		}
		if t, isType := s.(crdt.Type); isType {
			ds.types[t.Name()] = struct{}{}
		} else {
			ds.all = true
		}
	}
	return nil
}

// RemoveFromScope stops tracking doc and drops its changes from both stacks.
func (m *Manager) RemoveFromScope(doc *crdt.Doc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.scopes[doc]
	if !ok {
		return
	}
	ds.unsubscribe()
	delete(m.scopes, doc)
	m.undoStack = dropDoc(m.undoStack, doc)
	m.redoStack = dropDoc(m.redoStack, doc)
}

func dropDoc(stack []*StackItem, doc *crdt.Doc) []*StackItem {
	out := stack[:0]
	for _, item := range stack {
		kept := item.entries[:0]
		for _, e := range item.entries {
			if e.doc != doc {
				kept = append(kept, e)
			}
		}
		item.entries = kept
		if len(item.entries) > 0 {
			out = append(out, item)
		}
	}
	return out
}

// AddTrackedOrigin makes changes tagged with origin undoable.
func (m *Manager) AddTrackedOrigin(origin domain.Origin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[origin] = struct{}{}
}

// RemoveTrackedOrigin stops recording changes tagged with origin.
func (m *Manager) RemoveTrackedOrigin(origin domain.Origin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, origin)
}

// TracksOrigin reports whether changes tagged with origin are recorded.
func (m *Manager) TracksOrigin(origin domain.Origin) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[origin]
	return ok
}

// afterTransaction is registered on every document in scope.
func (m *Manager) afterTransaction(tx *crdt.Transaction) {
	m.mu.Lock()

	if m.destroyed {
		m.mu.Unlock()
		return
	}

	ds, ok := m.scopes[tx.Doc()]
	if !ok {
		m.mu.Unlock()
		return
	}

	var changes []crdt.Change
	for _, c := range tx.Changes() {
		if ds.covers(c.Type) {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		m.mu.Unlock()
		return
	}

	// Inverse changes produced by Undo/Redo land in the item being built for the opposite stack.
	if tx.Source == m {
		if m.applying != nil {
			m.applying.add(tx.Doc(), changes)
		}
		m.mu.Unlock()
		return
	}

	if _, tracked := m.tracked[tx.Origin]; !tracked {
		m.mu.Unlock()
		return
	}

	now := m.now()
	var added *StackItem
	if m.capturing && len(m.undoStack) > 0 && now.Sub(m.lastChange) < m.captureTimeout {
		m.undoStack[len(m.undoStack)-1].add(tx.Doc(), changes)
	} else {
		added = newStackItem()
		added.add(tx.Doc(), changes)
		m.undoStack = append(m.undoStack, added)
	}
	m.capturing = true
	m.lastChange = now
	m.redoStack = nil
	hook := m.hooks.OnStackItemAdded
	m.mu.Unlock()

	if added != nil && hook != nil {
		hook(added, KindUndo)
	}
}

// StopCapturing closes the current capture window: the next tracked change starts a new stack item.
func (m *Manager) StopCapturing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturing = false
}

// CaptureState reports whether a capture window is currently open.
func (m *Manager) CaptureState() CaptureState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capturing && len(m.undoStack) > 0 && m.now().Sub(m.lastChange) < m.captureTimeout {
		return CaptureCapturing
	}
	return CaptureIdle
}

// Undo reverts the most recent capture group and moves its inverse to the redo stack.
// It returns the reverted item, or nil when there was nothing to undo.
func (m *Manager) Undo() (*StackItem, error) {
	return m.pop(KindUndo)
}

// Redo re-applies the most recently undone capture group.
// It returns the re-applied item, or nil when there was nothing to redo.
func (m *Manager) Redo() (*StackItem, error) {
	return m.pop(KindRedo)
}

func (m *Manager) pop(kind Kind) (*StackItem, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for {
		m.mu.Lock()
		if m.destroyed {
			m.mu.Unlock()
			return nil, domain.ErrDestroyed
		}
		stack := &m.undoStack
		if kind == KindRedo {
			stack = &m.redoStack
		}
		if len(*stack) == 0 {
			m.mu.Unlock()
			return nil, nil
		}
		item := (*stack)[len(*stack)-1]
		*stack = (*stack)[:len(*stack)-1]

		m.applying = newStackItem()
		for k, v := range item.Meta {
			m.applying.Meta[k] = v
		}
		var targets []*entry
		for i := len(item.entries) - 1; i >= 0; i-- {
			if _, ok := m.scopes[item.entries[i].doc]; ok {
				targets = append(targets, item.entries[i])
			}
		}
		m.mu.Unlock()

		for _, e := range targets {
			e.doc.TransactAs(domain.OriginLocalEditor, m, func(tx *crdt.Transaction) {
				tx.Revert(e.changes)
			})
		}

		m.mu.Lock()
		inverse := m.applying
		m.applying = nil
		m.capturing = false
		performed := !inverse.empty()
		if performed {
			if kind == KindUndo {
				m.redoStack = append(m.redoStack, inverse)
			} else {
				m.undoStack = append(m.undoStack, inverse)
			}
		}
		hooks := m.hooks
		m.mu.Unlock()

		if !performed {
			// Every change was already overwritten (for example by a remote peer); try the next item.
			m.logger.Debug("Skipping stack item with no remaining effect", "kind", kind)
			continue
		}

		if hooks.OnStackItemAdded != nil {
			opposite := KindRedo
			if kind == KindRedo {
				opposite = KindUndo
			}
			hooks.OnStackItemAdded(inverse, opposite)
		}
		if hooks.OnStackItemPopped != nil {
			hooks.OnStackItemPopped(item, kind)
		}
		return item, nil
	}
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack) > 0
}

// UndoDepth returns the number of items on the undo stack.
func (m *Manager) UndoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack)
}

// RedoDepth returns the number of items on the redo stack.
func (m *Manager) RedoDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack)
}

// Clear empties the selected stacks, so history cannot cross a discontinuity such as a reload.
func (m *Manager) Clear(clearUndo, clearRedo bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if clearUndo {
		m.undoStack = nil
		m.capturing = false
	}
	if clearRedo {
		m.redoStack = nil
	}
}

// Destroy detaches from every document and empties both stacks.
// The Manager is unusable afterwards.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	for doc, ds := range m.scopes {
		ds.unsubscribe()
		delete(m.scopes, doc)
	}
	m.undoStack = nil
	m.redoStack = nil
	m.capturing = false
	m.destroyed = true
}
