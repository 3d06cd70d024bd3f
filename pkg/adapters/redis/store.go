package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/tandem/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// Store implements ports.DocumentStore using Redis.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for persisted documents.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for documents.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "tandem:doc:",
		ttl:    0, // No expiration by default
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

func (s *Store) key(key domain.DocumentKey) string {
	return s.prefix + key.String()
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Save persists the encoded document state to Redis.
func (s *Store) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	pipe := s.client.Pipeline()

	// 1. Save state with TTL (0 means no expiration).
	pipe.Set(ctx, s.key(key), state, s.ttl)

	// 2. Add to Index (ZSET). Score = expiry time; documents without TTL never expire.
	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = 4102444800 // 2100-01-01
	}

	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  score,
		Member: key.String(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}

	return nil
}

// Load retrieves the encoded document state from Redis.
func (s *Store) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return val, nil
}

// Delete removes the document.
func (s *Store) Delete(ctx context.Context, key domain.DocumentKey) error {
	pipe := s.client.Pipeline()

	pipe.Del(ctx, s.key(key))
	pipe.ZRem(ctx, s.indexKey(), key.String())

	_, err := pipe.Exec(ctx)
	return err
}

// List returns persisted documents, pruning expired entries from the index first.
func (s *Store) List(ctx context.Context) ([]domain.DocumentKey, error) {
	now := float64(time.Now().Unix())

	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired documents: %w", err)
	}

	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	keys := make([]domain.DocumentKey, 0, len(members))
	for _, m := range members {
		k, err := domain.ParseDocumentKey(m)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
