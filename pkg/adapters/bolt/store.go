package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/tandem/pkg/domain"
	"go.etcd.io/bbolt"
)

var bucket = []byte("documents")

// Store implements ports.DocumentStore on an embedded bbolt database.
// Documents live in a single bucket keyed by "<type>:<id>".
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Save persists the document state.
func (s *Store) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	if key.IsZero() {
		return domain.ErrInvalidDocumentKey
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key.String()), state)
	})
}

// Load retrieves the document state.
func (s *Store) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	var state []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key.String()))
		if v == nil {
			return domain.ErrDocumentNotFound
		}
		// Values are only valid for the life of the transaction.
		state = append([]byte(nil), v...)
		return nil
	})
	return state, err
}

// Delete removes the document state.
func (s *Store) Delete(ctx context.Context, key domain.DocumentKey) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key.String()))
	})
}

// List returns the keys of every persisted document.
func (s *Store) List(ctx context.Context) ([]domain.DocumentKey, error) {
	keys := []domain.DocumentKey{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			key, err := domain.ParseDocumentKey(string(k))
			if err != nil {
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}
