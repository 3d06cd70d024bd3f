package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/aretw0/tandem/pkg/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTable = "tandem_documents"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store implements ports.DocumentStore on a PostgreSQL table
// (object_type, object_id, state, updated_at).
type Store struct {
	pool  *pgxpool.Pool
	table string
	owned bool
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the table name. It must be a plain SQL identifier.
func WithTable(table string) Option {
	return func(s *Store) {
		s.table = table
	}
}

// New connects to dsn and creates the table if needed.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s, err := NewFromPool(ctx, pool, opts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewFromPool uses an existing pool and creates the table if needed.
func NewFromPool(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	s := &Store{pool: pool, table: defaultTable}
	for _, opt := range opts {
		opt(s)
	}
	if !identifier.MatchString(s.table) {
		return nil, fmt.Errorf("invalid table name %q", s.table)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		object_type TEXT NOT NULL,
		object_id   TEXT NOT NULL,
		state       BYTEA NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (object_type, object_id)
	)`, s.table)); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return s, nil
}

// Save persists the document state.
func (s *Store) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	if key.IsZero() {
		return domain.ErrInvalidDocumentKey
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (object_type, object_id, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (object_type, object_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`, s.table),
		key.ObjectType, key.ObjectID, state)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", key, err)
	}
	return nil
}

// Load retrieves the document state.
func (s *Store) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT state FROM %s WHERE object_type = $1 AND object_id = $2`, s.table),
		key.ObjectType, key.ObjectID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", key, err)
	}
	return state, nil
}

// Delete removes the document state.
func (s *Store) Delete(ctx context.Context, key domain.DocumentKey) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE object_type = $1 AND object_id = $2`, s.table),
		key.ObjectType, key.ObjectID)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	return nil
}

// List returns the keys of every persisted document.
func (s *Store) List(ctx context.Context) ([]domain.DocumentKey, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT object_type, object_id FROM %s ORDER BY object_type, object_id`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	keys := []domain.DocumentKey{}
	for rows.Next() {
		var key domain.DocumentKey
		if err := rows.Scan(&key.ObjectType, &key.ObjectID); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close closes the pool if the Store opened it.
func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
