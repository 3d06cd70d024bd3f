package undo

import (
	"sort"

	"github.com/aretw0/tandem/pkg/crdt"
)

// Kind tells which stack an item was pushed to or popped from.
type Kind string

const (
	KindUndo Kind = "undo"
	KindRedo Kind = "redo"
)

type entry struct {
	doc     *crdt.Doc
	changes []crdt.Change
}

// StackItem is one capture group: every tracked change made during a capture window,
// across all documents in scope.
type StackItem struct {
	entries []*entry

	// Meta is free-form state attached by the host (for example the editor selection).
	Meta map[string]any
}

func newStackItem() *StackItem {
	return &StackItem{Meta: make(map[string]any)}
}

func (s *StackItem) add(doc *crdt.Doc, changes []crdt.Change) {
	for _, e := range s.entries {
		if e.doc == doc {
			e.changes = append(e.changes, changes...)
			return
		}
	}
	s.entries = append(s.entries, &entry{doc: doc, changes: changes})
}

func (s *StackItem) empty() bool {
	for _, e := range s.entries {
		if len(e.changes) > 0 {
			return false
		}
	}
	return true
}

// Documents returns the sorted GUIDs of the documents the item touches.
func (s *StackItem) Documents() []string {
	guids := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		guids = append(guids, e.doc.GUID())
	}
	sort.Strings(guids)
	return guids
}

// Changes returns the changes recorded for doc.
func (s *StackItem) Changes(doc *crdt.Doc) []crdt.Change {
	for _, e := range s.entries {
		if e.doc == doc {
			return e.changes
		}
	}
	return nil
}

// Len returns the number of changes in the item.
func (s *StackItem) Len() int {
	n := 0
	for _, e := range s.entries {
		n += len(e.changes)
	}
	return n
}
