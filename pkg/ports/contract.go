package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunDocumentStoreContract runs a suite of tests to verify that a DocumentStore implementation
// adheres to the defined interface contract.
func RunDocumentStoreContract(t *testing.T, store DocumentStore) {
	ctx := context.Background()
	objectID := "contract-" + time.Now().Format("20060102150405")
	key := domain.NewDocumentKey("post", objectID)

	t.Run("Save and Load", func(t *testing.T) {
		doc := crdt.NewDoc()
		doc.Transact(domain.OriginLocalEditor, func(tx *crdt.Transaction) {
			doc.Map(domain.RecordMapName).Set(tx, "title", "Contract")
			doc.Text("content").Insert(tx, 0, "body")
		})
		state, err := doc.EncodeStateAsUpdate(nil)
		require.NoError(t, err)

		err = store.Save(ctx, key, state)
		require.NoError(t, err, "Save should not return error")

		loaded, err := store.Load(ctx, key)
		require.NoError(t, err, "Load should not return error")

		// The loaded bytes must restore an equivalent document.
		restored := crdt.NewDoc()
		require.NoError(t, restored.ApplyUpdate(loaded, domain.OriginLocalSyncManager))
		title, _ := restored.Map(domain.RecordMapName).Get("title")
		assert.Equal(t, "Contract", title)
		assert.Equal(t, "body", restored.Text("content").String())
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, key, []byte("first")))
		require.NoError(t, store.Save(ctx, key, []byte("second")))
		loaded, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), loaded)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, domain.NewDocumentKey("post", "missing-"+objectID))
		assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, key, []byte("state")))

		err := store.Delete(ctx, key)
		require.NoError(t, err, "Delete should not return error")

		_, err = store.Load(ctx, key)
		assert.ErrorIs(t, err, domain.ErrDocumentNotFound, "Load after Delete should return ErrDocumentNotFound")
	})

	t.Run("List", func(t *testing.T) {
		k1 := domain.NewDocumentKey("post", objectID+"-1")
		k2 := domain.NewDocumentKey("page", objectID+"-2")
		_ = store.Save(ctx, k1, []byte("one"))
		_ = store.Save(ctx, k2, []byte("two"))

		defer func() {
			_ = store.Delete(ctx, k1)
			_ = store.Delete(ctx, k2)
		}()

		keys, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, keys, k1)
		assert.Contains(t, keys, k2)
	})
}
