package crdt

import (
	"sort"

	"github.com/aretw0/tandem/pkg/domain"
)

// Change describes the effect of one integrated operation, with enough context to invert it.
type Change struct {
	Kind OpKind
	Type string
	// ID is the operation that produced the change. For text changes it is also the item.
	ID ID

	// Map changes.
	Key         string
	Value       any
	Deleted     bool
	Prev        any
	PrevExisted bool
	// PrevID is the write the change replaced, zero for a new key.
	PrevID ID
}

// Transaction collects the operations integrated in one atomic step.
type Transaction struct {
	doc *Doc

	// Origin is the tag the transaction was issued with.
	Origin domain.Origin
	// Source is an optional tag set with TransactAs.
	Source any
	// Local is true for transactions created with Transact, false for ApplyUpdate.
	Local bool

	ops     []Op
	changes []Change
}

func newTransaction(d *Doc, origin domain.Origin, source any, local bool) *Transaction {
	return &Transaction{doc: d, Origin: origin, Source: source, Local: local}
}

// Doc returns the document the transaction belongs to.
func (tx *Transaction) Doc() *Doc { return tx.doc }

// Ops returns the operations integrated by the transaction.
func (tx *Transaction) Ops() []Op { return tx.ops }

// Changes returns the effective changes, in integration order.
// Operations that lost a concurrent conflict produce no change.
func (tx *Transaction) Changes() []Change { return tx.changes }

// ChangedTypes returns the sorted names of the types touched by the transaction.
func (tx *Transaction) ChangedTypes() []string {
	seen := make(map[string]struct{})
	for _, c := range tx.changes {
		seen[c.Type] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (tx *Transaction) record(c Change) {
	tx.changes = append(tx.changes, c)
}

// Revert applies the inverse of changes, newest first:
// inserted items are deleted, deleted items are re-inserted in place
// and map keys still holding the reverted write are restored to their previous value.
func (tx *Transaction) Revert(changes []Change) {
	d := tx.doc
	d.mu.Lock()
	defer d.mu.Unlock()

	// Writer each reverted key is back to, so earlier changes to it in the same batch still apply.
	restored := make(map[[2]string]ID)

	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		switch c.Kind {
		case OpTextInsert:
			t := d.textLocked(c.Type)
			if it := t.item(c.ID); it != nil && !it.deleted {
				t.deleteItemLocked(tx, it)
			}
		case OpTextDelete:
			t := d.textLocked(c.Type)
			if t.item(c.ID) != nil {
				t.insertAfterLocked(tx, c.ID, c.Value)
			}
		case OpMapSet:
			m := d.mapLocked(c.Type)
			k := [2]string{c.Type, c.Key}
			// A key overwritten since the change keeps the newer value.
			if back, ok := restored[k]; !(ok && back == c.ID) && !m.writtenBy(c.Key, c.ID) {
				continue
			}
			restored[k] = c.PrevID
			if c.PrevExisted {
				m.setLocked(tx, c.Key, c.Prev, false)
			} else {
				m.setLocked(tx, c.Key, nil, true)
			}
		}
	}
}
