package crdt

import "sort"

type mapEntry struct {
	id      ID
	value   any
	deleted bool
	stamp   stamp
}

// Map is a last-writer-wins replicated map.
// Concurrent writes to the same key resolve to the write with the greatest (Lamport, client) stamp.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]*mapEntry
}

func newMap(d *Doc, name string) *Map {
	return &Map{doc: d, name: name, entries: make(map[string]*mapEntry)}
}

// Doc returns the owning document.
func (m *Map) Doc() *Doc { return m.doc }

// Name returns the type name within the document.
func (m *Map) Name() string { return m.name }

// Get returns the value stored under key.
func (m *Map) Get(key string) (any, bool) {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// ToMap returns a snapshot of the live entries.
func (m *Map) ToMap() map[string]any {
	m.doc.mu.RLock()
	defer m.doc.mu.RUnlock()
	out := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

// Set writes value under key within tx.
// The stored value takes the msgpack wire form every peer decodes:
// integers become int64 or uint64, floats float64, nested maps map[string]any and slices []any.
func (m *Map) Set(tx *Transaction, key string, value any) {
	v := normalizeValue(value)
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	m.setLocked(tx, key, v, false)
}

// Delete removes key within tx. Deleting a missing key is a no-op.
func (m *Map) Delete(tx *Transaction, key string) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	if e, ok := m.entries[key]; !ok || e.deleted {
		return
	}
	m.setLocked(tx, key, nil, true)
}

// writtenBy reports whether key still holds the value written by op id.
func (m *Map) writtenBy(key string, id ID) bool {
	e, ok := m.entries[key]
	return ok && e.id == id
}

func (m *Map) setLocked(tx *Transaction, key string, value any, deleted bool) {
	op := m.doc.nextOpLocked(OpMapSet, m.name)
	op.Key = key
	op.Value = value
	op.Deleted = deleted
	m.doc.integrateLocked(tx, op)
}

func (m *Map) integrate(tx *Transaction, op Op) {
	prev, existed := m.entries[op.Key]
	if existed && !op.stamp().after(prev.stamp) {
		return
	}

	c := Change{
		Kind:    OpMapSet,
		Type:    m.name,
		ID:      op.ID,
		Key:     op.Key,
		Value:   op.Value,
		Deleted: op.Deleted,
	}
	if existed {
		c.PrevID = prev.id
	}
	if existed && !prev.deleted {
		c.Prev = prev.value
		c.PrevExisted = true
	}
	m.entries[op.Key] = &mapEntry{id: op.ID, value: op.Value, deleted: op.Deleted, stamp: op.stamp()}
	tx.record(c)
}
