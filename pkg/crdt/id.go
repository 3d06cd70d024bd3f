package crdt

// ID uniquely identifies an operation (and the text item it created).
// Seq is contiguous per client, which gives per-client FIFO delivery.
type ID struct {
	Client string `msgpack:"c"`
	Seq    uint64 `msgpack:"s"`
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id.Client == "" && id.Seq == 0
}

// StateVector maps each client to the highest sequence number integrated from it.
type StateVector map[string]uint64

// Contains reports whether the operation identified by id has been integrated.
func (sv StateVector) Contains(id ID) bool {
	return id.Seq > 0 && sv[id.Client] >= id.Seq
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// stamp orders concurrent operations: Lamport time first, client ID as tie-breaker.
type stamp struct {
	lamport uint64
	client  string
}

func (s stamp) after(o stamp) bool {
	if s.lamport != o.lamport {
		return s.lamport > o.lamport
	}
	return s.client > o.client
}
