package domain

import "errors"

// ErrDocumentNotFound is returned when no persisted state exists for a document key.
var ErrDocumentNotFound = errors.New("document not found")

// ErrNotLoaded is returned when an operation targets a document the sync manager has not loaded.
var ErrNotLoaded = errors.New("document not loaded")

// ErrInvalidOrigin is returned when a change is tagged with an unknown origin.
var ErrInvalidOrigin = errors.New("invalid origin")

// ErrInvalidDelta is returned when a delta violates its structural invariants.
var ErrInvalidDelta = errors.New("invalid delta")

// ErrInvalidUpdate is returned when an encoded CRDT update cannot be decoded.
var ErrInvalidUpdate = errors.New("invalid update")

// ErrDestroyed is returned by components used after their terminal Destroy/Close call.
var ErrDestroyed = errors.New("destroyed")

// ErrInvalidDocumentKey is returned when an object type or ID is empty.
var ErrInvalidDocumentKey = errors.New("invalid document key")
