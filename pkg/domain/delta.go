package domain

import "fmt"

// Delta is an atomic change to a replicated document, tagged with exactly one origin.
// Update holds the encoded CRDT operations and is opaque at this layer.
type Delta struct {
	DocumentKey DocumentKey `json:"document_key"`
	Origin      Origin      `json:"origin"`
	Update      []byte      `json:"update"`
}

// Validate checks the structural invariants of a Delta.
func (d Delta) Validate() error {
	if d.DocumentKey.IsZero() {
		return fmt.Errorf("delta without document key: %w", ErrInvalidDelta)
	}
	if !d.Origin.Valid() {
		return fmt.Errorf("delta origin %q: %w", d.Origin, ErrInvalidOrigin)
	}
	if len(d.Update) == 0 {
		return fmt.Errorf("delta without payload: %w", ErrInvalidDelta)
	}
	return nil
}
