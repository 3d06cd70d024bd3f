package crdt

import (
	"strings"
	"unicode/utf8"
)

type textItem struct {
	id      ID
	stamp   stamp
	value   string
	deleted bool
}

// Text is a replicated sequence of runes (RGA). Deleted runes stay as tombstones
// so concurrent inserts next to them still resolve to the same position everywhere.
type Text struct {
	doc   *Doc
	name  string
	items []*textItem
}

func newText(d *Doc, name string) *Text {
	return &Text{doc: d, name: name}
}

// Doc returns the owning document.
func (t *Text) Doc() *Doc { return t.doc }

// Name returns the type name within the document.
func (t *Text) Name() string { return t.name }

// String returns the visible content.
func (t *Text) String() string {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	var b strings.Builder
	for _, it := range t.items {
		if !it.deleted {
			b.WriteString(it.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.RLock()
	defer t.doc.mu.RUnlock()
	n := 0
	for _, it := range t.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

// Insert inserts s before the rune at visible index. Indexes past the end append.
func (t *Text) Insert(tx *Transaction, index int, s string) {
	if s == "" {
		return
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	var left ID
	if index > 0 {
		if it := t.visibleAt(index - 1); it != nil {
			left = it.id
		} else if last := t.lastVisible(); last != nil {
			left = last.id
		}
	}
	for _, r := range s {
		left = t.insertAfterLocked(tx, left, string(r))
	}
}

// Delete removes length runes starting at visible index.
func (t *Text) Delete(tx *Transaction, index, length int) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	var targets []*textItem
	pos := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if pos >= index && pos < index+length {
			targets = append(targets, it)
		}
		pos++
	}
	for _, it := range targets {
		t.deleteItemLocked(tx, it)
	}
}

func (t *Text) insertAfterLocked(tx *Transaction, left ID, value any) ID {
	op := t.doc.nextOpLocked(OpTextInsert, t.name)
	op.Left = left
	op.Value = value
	t.doc.integrateLocked(tx, op)
	return op.ID
}

func (t *Text) deleteItemLocked(tx *Transaction, it *textItem) {
	op := t.doc.nextOpLocked(OpTextDelete, t.name)
	op.Target = it.id
	t.doc.integrateLocked(tx, op)
}

func (t *Text) integrate(tx *Transaction, op Op) {
	switch op.Kind {
	case OpTextInsert:
		value, _ := op.Value.(string)
		if utf8.RuneCountInString(value) != 1 {
			t.doc.logger.Warn("Dropping malformed text insert", "doc", t.doc.guid, "type", t.name, "client", op.ID.Client, "seq", op.ID.Seq)
			return
		}
		pos := 0
		if !op.Left.IsZero() {
			i := t.index(op.Left)
			if i < 0 {
				t.doc.logger.Warn("Text insert references unknown item", "doc", t.doc.guid, "type", t.name)
				return
			}
			pos = i + 1
		}
		s := op.stamp()
		for pos < len(t.items) && t.items[pos].stamp.after(s) {
			pos++
		}
		it := &textItem{id: op.ID, stamp: s, value: value}
		t.items = append(t.items, nil)
		copy(t.items[pos+1:], t.items[pos:])
		t.items[pos] = it
		tx.record(Change{Kind: OpTextInsert, Type: t.name, ID: op.ID, Value: value})

	case OpTextDelete:
		it := t.item(op.Target)
		if it == nil || it.deleted {
			return
		}
		it.deleted = true
		tx.record(Change{Kind: OpTextDelete, Type: t.name, ID: it.id, Value: it.value})
	}
}

func (t *Text) index(id ID) int {
	for i, it := range t.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

func (t *Text) item(id ID) *textItem {
	if i := t.index(id); i >= 0 {
		return t.items[i]
	}
	return nil
}

func (t *Text) visibleAt(index int) *textItem {
	pos := 0
	for _, it := range t.items {
		if it.deleted {
			continue
		}
		if pos == index {
			return it
		}
		pos++
	}
	return nil
}

func (t *Text) lastVisible() *textItem {
	for i := len(t.items) - 1; i >= 0; i-- {
		if !t.items[i].deleted {
			return t.items[i]
		}
	}
	return nil
}
