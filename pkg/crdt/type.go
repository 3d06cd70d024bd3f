package crdt

// Type is a named replicated type living inside a Doc.
type Type interface {
	Doc() *Doc
	Name() string
}

var (
	_ Type = (*Map)(nil)
	_ Type = (*Text)(nil)
)
