package syncmanager

import (
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
)

// Entity is an entity record loaded into a collaborative document.
type Entity struct {
	Key domain.DocumentKey
	Doc *crdt.Doc
}

// Record returns the current replicated record fields.
func (e *Entity) Record() map[string]any {
	rec := e.Doc.Map(domain.RecordMapName).ToMap()
	delete(rec, domain.CRDTDocMetaPersistenceKey)
	return rec
}

// PersistedRecord returns the record fields plus the encoded document state under
// domain.CRDTDocMetaPersistenceKey, ready to be saved with the entity on the server.
func (e *Entity) PersistedRecord() (map[string]any, error) {
	state, err := e.Doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", e.Key, err)
	}
	rec := e.Record()
	rec[domain.CRDTDocMetaPersistenceKey] = base64.StdEncoding.EncodeToString(state)
	return rec, nil
}

// metaState extracts the persisted document state from a record, if it carries one.
func metaState(record map[string]any) ([]byte, bool, error) {
	raw, ok := record[domain.CRDTDocMetaPersistenceKey]
	if !ok || raw == nil {
		return nil, false, nil
	}
	switch v := raw.(type) {
	case []byte:
		return v, len(v) > 0, nil
	case string:
		if v == "" {
			return nil, false, nil
		}
		state, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, false, fmt.Errorf("record field %s: %w", domain.CRDTDocMetaPersistenceKey, domain.ErrInvalidUpdate)
		}
		return state, true, nil
	default:
		return nil, false, fmt.Errorf("record field %s has type %T: %w", domain.CRDTDocMetaPersistenceKey, raw, domain.ErrInvalidUpdate)
	}
}

// fieldKeys returns the sorted record fields, without the metadata key.
func fieldKeys(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		if k == domain.CRDTDocMetaPersistenceKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
