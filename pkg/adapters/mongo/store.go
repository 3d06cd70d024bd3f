package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/tandem/pkg/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultDatabase   = "tandem"
	DefaultCollection = "documents"
)

type record struct {
	ID         string    `bson:"_id"`
	ObjectType string    `bson:"object_type"`
	ObjectID   string    `bson:"object_id"`
	State      []byte    `bson:"state"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// Store implements ports.DocumentStore on a MongoDB collection, one
// document per key.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	owned      bool
}

// Option configures a Store.
type Option func(*settings)

type settings struct {
	database   string
	collection string
}

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(s *settings) {
		s.database = name
	}
}

// WithCollection sets the collection name.
func WithCollection(name string) Option {
	return func(s *settings) {
		s.collection = name
	}
}

// New connects to uri. The client is disconnected by Close.
func New(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to reach mongo: %w", err)
	}
	s := NewFromClient(client, opts...)
	s.owned = true
	return s, nil
}

// NewFromClient uses an existing client.
func NewFromClient(client *mongo.Client, opts ...Option) *Store {
	cfg := settings{database: DefaultDatabase, collection: DefaultCollection}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store{
		client:     client,
		collection: client.Database(cfg.database).Collection(cfg.collection),
	}
}

// Save persists the document state.
func (s *Store) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	if key.IsZero() {
		return domain.ErrInvalidDocumentKey
	}
	doc := record{
		ID:         key.String(),
		ObjectType: key.ObjectType,
		ObjectID:   key.ObjectID,
		State:      state,
		UpdatedAt:  time.Now().UTC(),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", key, err)
	}
	return nil
}

// Load retrieves the document state.
func (s *Store) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	var doc record
	err := s.collection.FindOne(ctx, bson.M{"_id": key.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %s: %w", key, err)
	}
	return doc.State, nil
}

// Delete removes the document state.
func (s *Store) Delete(ctx context.Context, key domain.DocumentKey) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key.String()}); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", key, err)
	}
	return nil
}

// List returns the keys of every persisted document.
func (s *Store) List(ctx context.Context) ([]domain.DocumentKey, error) {
	opts := options.Find().
		SetProjection(bson.M{"object_type": 1, "object_id": 1}).
		SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	var docs []record
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	keys := make([]domain.DocumentKey, 0, len(docs))
	for _, doc := range docs {
		keys = append(keys, domain.NewDocumentKey(doc.ObjectType, doc.ObjectID))
	}
	return keys, nil
}

// Drop removes the whole collection.
func (s *Store) Drop(ctx context.Context) error {
	return s.collection.Drop(ctx)
}

// Close disconnects the client if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
