package file

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/tandem/pkg/domain"
)

const ext = ".ydoc"

// Store implements ports.DocumentStore using the local filesystem.
// Each document is written to "<type>/<id>.ydoc" under BasePath.
type Store struct {
	BasePath string
}

// New creates a new Store with the given base path.
// If basePath is empty, it defaults to ".tandem/documents".
func New(basePath string) *Store {
	if basePath == "" {
		basePath = filepath.Join(".tandem", "documents")
	}
	return &Store{BasePath: basePath}
}

func (s *Store) path(key domain.DocumentKey) (string, error) {
	if key.IsZero() {
		return "", fmt.Errorf("document key cannot be empty")
	}
	// Escape so IDs cannot traverse out of the base directory.
	return filepath.Join(s.BasePath, url.PathEscape(key.ObjectType), url.PathEscape(key.ObjectID)+ext), nil
}

// Save persists the document state atomically.
// It writes to a temporary file first, syncs via fsync, and then renames it to the destination.
func (s *Store) Save(ctx context.Context, key domain.DocumentKey, state []byte) error {
	destPath, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(destPath)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to ensure document directory: %w", err)
	}

	// 1. Create Temp File in the same directory (atomic rename needs the same filesystem).
	tmpFile, err := os.CreateTemp(dir, "tmp-*"+ext+".partial")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath) // no-op once renamed
	}()

	// 2. Write Data
	if _, err := tmpFile.Write(state); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	// 3. Fsync to ensure durability
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}

	// 4. Close File (cannot rename open file on Windows)
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// 5. Atomic Rename
	// On Windows, os.Rename fails if dest exists, so remove it first.
	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to remove existing document file for overwrite: %w", err)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file to document file: %w", err)
	}

	return nil
}

// Load retrieves the document state.
func (s *Store) Load(ctx context.Context, key domain.DocumentKey) ([]byte, error) {
	filePath, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to read document file: %w", err)
	}
	return data, nil
}

// Delete removes the document file.
func (s *Store) Delete(ctx context.Context, key domain.DocumentKey) error {
	filePath, err := s.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete document file: %w", err)
	}

	return nil
}

// List returns all persisted documents.
func (s *Store) List(ctx context.Context) ([]domain.DocumentKey, error) {
	typeDirs, err := os.ReadDir(s.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.DocumentKey{}, nil
		}
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	var keys []domain.DocumentKey
	for _, typeDir := range typeDirs {
		if !typeDir.IsDir() {
			continue
		}
		objectType, err := url.PathUnescape(typeDir.Name())
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.BasePath, typeDir.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list documents of type %s: %w", objectType, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ext) {
				continue
			}
			objectID, err := url.PathUnescape(strings.TrimSuffix(name, ext))
			if err != nil {
				continue
			}
			keys = append(keys, domain.NewDocumentKey(objectType, objectID))
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
