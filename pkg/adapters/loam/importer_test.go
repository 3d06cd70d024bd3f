package loam_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/tandem/pkg/adapters/loam"
	"github.com/aretw0/tandem/pkg/adapters/memory"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}

func load(t *testing.T, state []byte) *crdt.Doc {
	t.Helper()
	doc := crdt.NewDoc()
	require.NoError(t, doc.ApplyUpdate(state, domain.OriginLocalSyncManager))
	return doc
}

func TestImporter_Import(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"post/hello.md": `---
title: Hello
status: draft
---
First post body.`,
		"about.md": `---
type: page
id: about-us
title: About
---
Who we are.`,
	})

	importer, err := loam.Open(dir)
	require.NoError(t, err)

	store := memory.NewStore()
	ctx := context.Background()
	keys, err := importer.Import(ctx, store)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.DocumentKey{
		domain.NewDocumentKey("post", "hello"),
		domain.NewDocumentKey("page", "about-us"),
	}, keys)

	state, err := store.Load(ctx, domain.NewDocumentKey("post", "hello"))
	require.NoError(t, err)
	doc := load(t, state)
	assert.Equal(t, map[string]any{"title": "Hello", "status": "draft"}, doc.Map(domain.RecordMapName).ToMap())
	assert.Equal(t, "First post body.", doc.Text(domain.ContentTextName).String())

	state, err = store.Load(ctx, domain.NewDocumentKey("page", "about-us"))
	require.NoError(t, err)
	title, _ := load(t, state).Map(domain.RecordMapName).Get("title")
	assert.Equal(t, "About", title)
}

func TestImporter_ImportsTypedFrontmatter(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"post/stats.md": `---
views: 42
rating: 4.5
tags: [go, crdt]
---
Numbers and lists.`,
		"page/home.json": `{"title": "Home", "order": 1}`,
	})

	importer, err := loam.Open(dir)
	require.NoError(t, err)
	store := memory.NewStore()
	ctx := context.Background()
	_, err = importer.Import(ctx, store)
	require.NoError(t, err)

	state, err := store.Load(ctx, domain.NewDocumentKey("post", "stats"))
	require.NoError(t, err)
	doc := load(t, state)
	rec := doc.Map(domain.RecordMapName).ToMap()
	assert.EqualValues(t, 42, rec["views"])
	assert.InDelta(t, 4.5, rec["rating"], 0.0001)
	assert.Equal(t, []any{"go", "crdt"}, rec["tags"])
	assert.Equal(t, "Numbers and lists.", doc.Text(domain.ContentTextName).String())

	state, err = store.Load(ctx, domain.NewDocumentKey("page", "home"))
	require.NoError(t, err)
	rec = load(t, state).Map(domain.RecordMapName).ToMap()
	assert.Equal(t, "Home", rec["title"])
	assert.EqualValues(t, 1, rec["order"])
}

func TestImporter_SkipsExistingDocuments(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"post/hello.md": "---\ntitle: Imported\n---\nBody",
	})
	ctx := context.Background()
	key := domain.NewDocumentKey("post", "hello")

	store := memory.NewStore()
	require.NoError(t, store.Save(ctx, key, mustState(t, "Edited")))

	importer, err := loam.Open(dir)
	require.NoError(t, err)
	keys, err := importer.Import(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, keys)

	state, err := store.Load(ctx, key)
	require.NoError(t, err)
	title, _ := load(t, state).Map(domain.RecordMapName).Get("title")
	assert.Equal(t, "Edited", title)

	importer, err = loam.Open(dir, loam.WithOverwrite(true))
	require.NoError(t, err)
	keys, err = importer.Import(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []domain.DocumentKey{key}, keys)
}

func TestImporter_RequiresAType(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"orphan.md": "---\ntitle: Orphan\n---\n",
	})

	importer, err := loam.Open(dir)
	require.NoError(t, err)
	_, err = importer.Import(context.Background(), memory.NewStore())
	assert.ErrorIs(t, err, domain.ErrInvalidDocumentKey)

	importer, err = loam.Open(dir, loam.WithDefaultType("page"))
	require.NoError(t, err)
	keys, err := importer.Import(context.Background(), memory.NewStore())
	require.NoError(t, err)
	assert.Equal(t, []domain.DocumentKey{domain.NewDocumentKey("page", "orphan")}, keys)
}

func mustState(t *testing.T, title string) []byte {
	t.Helper()
	doc := crdt.NewDoc()
	doc.Transact(domain.OriginLocalEditor, func(tx *crdt.Transaction) {
		doc.Map(domain.RecordMapName).Set(tx, "title", title)
	})
	state, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	return state
}
