package crdt

import (
	"bytes"
	"fmt"

	"github.com/aretw0/tandem/pkg/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// OpKind identifies the replicated type operation.
type OpKind uint8

const (
	OpMapSet OpKind = iota + 1
	OpTextInsert
	OpTextDelete
)

func (k OpKind) String() string {
	switch k {
	case OpMapSet:
		return "map_set"
	case OpTextInsert:
		return "text_insert"
	case OpTextDelete:
		return "text_delete"
	}
	return "unknown"
}

// Op is a single replicated operation as it travels on the wire.
type Op struct {
	ID      ID     `msgpack:"id"`
	Lamport uint64 `msgpack:"l"`
	Kind    OpKind `msgpack:"k"`
	Type    string `msgpack:"t"`

	// Map operations.
	Key     string `msgpack:"key,omitempty"`
	Deleted bool   `msgpack:"del,omitempty"`

	// Map value, or the rune inserted by a text insert.
	Value any `msgpack:"v,omitempty"`

	// Text insert: item to the left at creation time. Zero means the start.
	Left ID `msgpack:"left"`
	// Text delete: the item being removed.
	Target ID `msgpack:"target"`
}

func (op Op) stamp() stamp {
	return stamp{lamport: op.Lamport, client: op.ID.Client}
}

// Update is a batch of operations, the unit exchanged between peers and persisted to stores.
type Update struct {
	Ops []Op `msgpack:"ops"`
}

// EncodeUpdate serialises an update with msgpack.
func EncodeUpdate(u Update) ([]byte, error) {
	data, err := msgpack.Marshal(&u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode update: %w", err)
	}
	return data, nil
}

// normalizeValue gives a locally written map value the dynamic type peers decode it as.
// Values msgpack cannot encode are kept as is and fail later in EncodeUpdate.
func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return v
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	out, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return v
	}
	return out
}

// DecodeUpdate parses an update produced by EncodeUpdate.
// Integers decode as int64 and floats as float64 regardless of their wire width.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", domain.ErrInvalidUpdate, err)
	}
	for i, op := range u.Ops {
		if op.ID.Client == "" || op.ID.Seq == 0 {
			return Update{}, fmt.Errorf("%w: op %d has no id", domain.ErrInvalidUpdate, i)
		}
		switch op.Kind {
		case OpMapSet, OpTextInsert, OpTextDelete:
		default:
			return Update{}, fmt.Errorf("%w: op %d has unknown kind %d", domain.ErrInvalidUpdate, i, op.Kind)
		}
	}
	return u, nil
}
