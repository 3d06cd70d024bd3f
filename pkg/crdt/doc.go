package crdt

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/google/uuid"
)

// UpdateFunc receives the encoded operations integrated by a transaction.
type UpdateFunc func(update []byte, origin domain.Origin)

// TransactionFunc receives a committed transaction.
type TransactionFunc func(tx *Transaction)

// Doc is a replicated document holding named maps and texts.
// Safe for concurrent use. Transactions are serialised; reads may run concurrently with them.
type Doc struct {
	guid   string
	client string
	logger *slog.Logger

	// txMu serialises transactions, including observer notification,
	// so observers see transactions in commit order.
	txMu sync.Mutex

	mu      sync.RWMutex
	lamport uint64
	sv      StateVector
	log     []Op
	pending []Op
	maps    map[string]*Map
	texts   map[string]*Text

	obsMu     sync.Mutex
	nextObsID int
	onUpdate  map[int]UpdateFunc
	onAfter   map[int]TransactionFunc
}

// DocOption configures a Doc.
type DocOption func(*Doc)

// WithGUID sets the document identifier (defaults to a random UUID).
func WithGUID(guid string) DocOption {
	return func(d *Doc) {
		d.guid = guid
	}
}

// WithClientID sets the peer identifier stamped on local operations (defaults to a random UUID).
func WithClientID(client string) DocOption {
	return func(d *Doc) {
		d.client = client
	}
}

// WithLogger configures a logger for the Doc.
func WithLogger(logger *slog.Logger) DocOption {
	return func(d *Doc) {
		d.logger = logger
	}
}

// NewDoc creates an empty document.
func NewDoc(opts ...DocOption) *Doc {
	d := &Doc{
		logger:   logging.NewNop(),
		sv:       make(StateVector),
		maps:     make(map[string]*Map),
		texts:    make(map[string]*Text),
		onUpdate: make(map[int]UpdateFunc),
		onAfter:  make(map[int]TransactionFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.guid == "" {
		d.guid = uuid.NewString()
	}
	if d.client == "" {
		d.client = uuid.NewString()
	}
	return d
}

// GUID returns the document identifier.
func (d *Doc) GUID() string { return d.guid }

// ClientID returns the identifier stamped on local operations.
func (d *Doc) ClientID() string { return d.client }

// Doc returns d itself, so a whole document can be passed wherever a type handle is accepted.
func (d *Doc) Doc() *Doc { return d }

// Map returns the replicated map with the given name, creating it if needed.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

// Text returns the replicated text with the given name, creating it if needed.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

// MapNames returns the sorted names of the maps the document holds.
func (d *Doc) MapNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedNames(d.maps)
}

// TextNames returns the sorted names of the texts the document holds.
func (d *Doc) TextNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedNames(d.texts)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = newMap(d, name)
		d.maps[name] = m
	}
	return m
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = newText(d, name)
		d.texts[name] = t
	}
	return t
}

// OnUpdate registers fn to receive the encoded operations of every committed transaction.
// It returns a function that removes the observer.
func (d *Doc) OnUpdate(fn UpdateFunc) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObsID
	d.nextObsID++
	d.onUpdate[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.onUpdate, id)
	}
}

// OnAfterTransaction registers fn to run after every committed transaction that changed state.
// Observers run synchronously and must not open transactions on the same Doc.
func (d *Doc) OnAfterTransaction(fn TransactionFunc) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObsID
	d.nextObsID++
	d.onAfter[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.onAfter, id)
	}
}

// Transact runs fn as a single local transaction tagged with origin.
// fn must not call Transact or ApplyUpdate on the same Doc.
func (d *Doc) Transact(origin domain.Origin, fn func(tx *Transaction)) {
	d.TransactAs(origin, nil, fn)
}

// TransactAs is Transact with an additional source tag that observers can use to
// recognise transactions they issued themselves.
func (d *Doc) TransactAs(origin domain.Origin, source any, fn func(tx *Transaction)) {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	tx := newTransaction(d, origin, source, true)
	fn(tx)
	d.commit(tx)
}

// ApplyUpdate merges encoded remote operations into the document.
// Duplicates are ignored; operations whose predecessors have not arrived yet are kept
// pending and integrated once they do.
func (d *Doc) ApplyUpdate(update []byte, origin domain.Origin) error {
	u, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()

	tx := newTransaction(d, origin, nil, false)

	d.mu.Lock()
	d.pending = append(d.pending, u.Ops...)
	d.integratePendingLocked(tx)
	d.mu.Unlock()

	d.commit(tx)
	return nil
}

// integratePendingLocked integrates every pending op whose dependencies are satisfied,
// repeating until no further progress can be made.
func (d *Doc) integratePendingLocked(tx *Transaction) {
	for {
		progress := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			switch {
			case d.sv.Contains(op.ID):
				// duplicate
				progress = true
			case d.ready(op):
				d.integrateLocked(tx, op)
				progress = true
			default:
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progress || len(d.pending) == 0 {
			break
		}
	}
	if len(d.pending) > 0 {
		d.logger.Debug("Operations pending on missing dependencies", "doc", d.guid, "count", len(d.pending))
	}
}

func (d *Doc) ready(op Op) bool {
	if op.ID.Seq != d.sv[op.ID.Client]+1 {
		return false
	}
	switch op.Kind {
	case OpTextInsert:
		return op.Left.IsZero() || d.sv.Contains(op.Left)
	case OpTextDelete:
		return d.sv.Contains(op.Target)
	}
	return true
}

// nextOpLocked stamps a new local operation.
func (d *Doc) nextOpLocked(kind OpKind, typeName string) Op {
	d.lamport++
	return Op{
		ID:      ID{Client: d.client, Seq: d.sv[d.client] + 1},
		Lamport: d.lamport,
		Kind:    kind,
		Type:    typeName,
	}
}

// integrateLocked applies op to its type and records it. The caller holds d.mu.
func (d *Doc) integrateLocked(tx *Transaction, op Op) {
	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	d.sv[op.ID.Client] = op.ID.Seq
	d.log = append(d.log, op)
	tx.ops = append(tx.ops, op)

	switch op.Kind {
	case OpMapSet:
		d.mapLocked(op.Type).integrate(tx, op)
	case OpTextInsert, OpTextDelete:
		d.textLocked(op.Type).integrate(tx, op)
	}
}

func (d *Doc) commit(tx *Transaction) {
	if len(tx.ops) == 0 {
		return
	}

	d.obsMu.Lock()
	updates := make([]UpdateFunc, 0, len(d.onUpdate))
	for _, id := range sortedKeys(d.onUpdate) {
		updates = append(updates, d.onUpdate[id])
	}
	afters := make([]TransactionFunc, 0, len(d.onAfter))
	for _, id := range sortedKeys(d.onAfter) {
		afters = append(afters, d.onAfter[id])
	}
	d.obsMu.Unlock()

	if len(updates) > 0 {
		data, err := EncodeUpdate(Update{Ops: tx.ops})
		if err != nil {
			d.logger.Error("Failed to encode transaction update", "doc", d.guid, "err", err)
		} else {
			for _, fn := range updates {
				fn(data, tx.Origin)
			}
		}
	}
	for _, fn := range afters {
		fn(tx)
	}
}

// StateVector returns a copy of the document's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// EncodeStateAsUpdate encodes every integrated operation the peer described by sv has not seen.
// A nil sv encodes the whole document.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	d.mu.RLock()
	ops := make([]Op, 0, len(d.log))
	for _, op := range d.log {
		if sv.Contains(op.ID) {
			continue
		}
		ops = append(ops, op)
	}
	d.mu.RUnlock()
	return EncodeUpdate(Update{Ops: ops})
}

// PendingCount returns the number of operations waiting on missing dependencies.
func (d *Doc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
