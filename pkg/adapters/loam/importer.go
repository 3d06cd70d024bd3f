package loam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/loam"
	"github.com/aretw0/loam/pkg/core"
	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/mitchellh/mapstructure"
)

// Metadata is the frontmatter of an importable document.
// Every key other than type and id becomes a record field.
type Metadata struct {
	Type   string         `mapstructure:"type"`
	ID     string         `mapstructure:"id"`
	Fields map[string]any `mapstructure:",remain"`
}

// Importer seeds collaborative documents from a Loam content directory
// (Markdown, JSON or YAML files with frontmatter).
type Importer struct {
	Repo        core.Repository
	defaultType string
	overwrite   bool
	logger      *slog.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithDefaultType sets the object type of documents that neither declare a type nor live in a subdirectory.
func WithDefaultType(objectType string) Option {
	return func(i *Importer) {
		i.defaultType = objectType
	}
}

// WithOverwrite replaces documents that already exist in the target store.
func WithOverwrite(overwrite bool) Option {
	return func(i *Importer) {
		i.overwrite = overwrite
	}
}

// WithLogger configures a logger for the Importer.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Importer) {
		i.logger = logger
	}
}

// New creates an Importer over an existing repository.
func New(repo core.Repository, opts ...Option) *Importer {
	i := &Importer{
		Repo:   repo,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Open initializes a read-only Loam repository at dir.
func Open(dir string, opts ...Option) (*Importer, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	repo, err := loam.Init(absPath,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	return New(repo, opts...), nil
}

// Import converts every repository document into a CRDT document and saves it to store.
// Frontmatter fields fill the record map and the body fills the content text.
// Existing documents are skipped unless the Importer overwrites. It returns the imported keys.
func (i *Importer) Import(ctx context.Context, store ports.DocumentStore) ([]domain.DocumentKey, error) {
	// List reads frontmatter from the index only; Get returns the body as well.
	listed, err := i.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}
	ids := make([]string, 0, len(listed))
	for _, d := range listed {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)

	seen := make(map[domain.DocumentKey]string)
	var imported []domain.DocumentKey
	for _, id := range ids {
		d, err := i.Repo.Get(ctx, id)
		if err != nil {
			return imported, fmt.Errorf("loam get failed for %s: %w", id, err)
		}
		meta, err := decodeMetadata(d.Metadata)
		if err != nil {
			return imported, fmt.Errorf("invalid frontmatter in %s: %w", id, err)
		}
		key, err := i.key(id, meta)
		if err != nil {
			return imported, err
		}
		if existing, ok := seen[key]; ok {
			return imported, fmt.Errorf("collision detected: %s is defined in both '%s' and '%s'", key, existing, id)
		}
		seen[key] = id

		if !i.overwrite {
			_, err := store.Load(ctx, key)
			if err == nil {
				i.logger.Debug("Skipping existing document", "doc", key.String(), "source", id)
				continue
			}
			if !errors.Is(err, domain.ErrDocumentNotFound) {
				return imported, fmt.Errorf("failed to check %s: %w", key, err)
			}
		}

		state, err := encode(key, meta.Fields, d.Content)
		if err != nil {
			return imported, fmt.Errorf("failed to encode %s: %w", id, err)
		}
		if err := store.Save(ctx, key, state); err != nil {
			return imported, fmt.Errorf("failed to save %s: %w", key, err)
		}
		i.logger.Info("Imported document", "doc", key.String(), "source", id)
		imported = append(imported, key)
	}
	return imported, nil
}

func decodeMetadata(raw core.Metadata) (Metadata, error) {
	var meta Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &meta,
	})
	if err != nil {
		return Metadata{}, err
	}
	if err := dec.Decode(fieldValue(map[string]any(raw))); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

// fieldValue turns the json.Number values of a strict repository into int64 or float64.
func fieldValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = fieldValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for k, e := range x {
			out[k] = fieldValue(e)
		}
		return out
	}
	return v
}

// key derives the document key: the declared type, else the first directory of the path,
// else the default type; the declared id, else the file name without extension.
func (i *Importer) key(docID string, meta Metadata) (domain.DocumentKey, error) {
	rel := filepath.ToSlash(docID)
	objectType := meta.Type
	if objectType == "" {
		if dir, _, ok := strings.Cut(rel, "/"); ok {
			objectType = dir
		} else {
			objectType = i.defaultType
		}
	}
	objectID := meta.ID
	if objectID == "" {
		objectID = strings.TrimSuffix(path.Base(rel), path.Ext(rel))
	}
	key := domain.NewDocumentKey(objectType, objectID)
	if key.IsZero() {
		return domain.DocumentKey{}, fmt.Errorf("%w: cannot derive a key for '%s'", domain.ErrInvalidDocumentKey, docID)
	}
	return key, nil
}

func encode(key domain.DocumentKey, fields map[string]any, content string) ([]byte, error) {
	doc := crdt.NewDoc(crdt.WithGUID(key.String()))
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	doc.Transact(domain.OriginLocalSyncManager, func(tx *crdt.Transaction) {
		record := doc.Map(domain.RecordMapName)
		for _, name := range names {
			record.Set(tx, name, fields[name])
		}
		if body := strings.TrimSpace(content); body != "" {
			doc.Text(domain.ContentTextName).Insert(tx, 0, body)
		}
	})
	return doc.EncodeStateAsUpdate(nil)
}
