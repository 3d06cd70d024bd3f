package domain

import (
	"fmt"
	"strings"
)

// CRDTDocMetaPersistenceKey is the record field that carries the persisted
// CRDT document state alongside the entity record.
const CRDTDocMetaPersistenceKey = "_crdt_document"

// RecordMapName is the name of the replicated map holding entity record fields.
const RecordMapName = "record"

// ContentTextName is the name of the replicated text holding an entity's rich body, if any.
const ContentTextName = "content"

// DocumentKey identifies a collaborative document by the entity it replicates.
type DocumentKey struct {
	ObjectType string `json:"object_type"`
	ObjectID   string `json:"object_id"`
}

// NewDocumentKey builds a key for an entity record.
func NewDocumentKey(objectType, objectID string) DocumentKey {
	return DocumentKey{ObjectType: objectType, ObjectID: objectID}
}

// ParseDocumentKey parses the "<type>:<id>" form produced by String.
func ParseDocumentKey(s string) (DocumentKey, error) {
	objectType, objectID, ok := strings.Cut(s, ":")
	if !ok || objectType == "" || objectID == "" {
		return DocumentKey{}, fmt.Errorf("%w: %q", ErrInvalidDocumentKey, s)
	}
	return DocumentKey{ObjectType: objectType, ObjectID: objectID}, nil
}

// String returns the persistence key "<type>:<id>".
func (k DocumentKey) String() string {
	return k.ObjectType + ":" + k.ObjectID
}

// Validate checks that both parts are set and that the type holds no ':',
// so String and ParseDocumentKey round-trip.
func (k DocumentKey) Validate() error {
	if k.IsZero() || strings.Contains(k.ObjectType, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidDocumentKey, k.String())
	}
	return nil
}

// IsZero reports whether the key is unset.
func (k DocumentKey) IsZero() bool {
	return k.ObjectType == "" || k.ObjectID == ""
}
