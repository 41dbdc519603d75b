package pipeline

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prism-kb/prism/internal/config"
	"github.com/prism-kb/prism/internal/filestore"
	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/testutil"
)

func setupDedup(t *testing.T) (*sql.DB, *repo.DocumentRepo, filestore.Store, *Deduplicator, func()) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	store, err := filestore.New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)
	docs := repo.NewDocumentRepo(db)
	return db, docs, store, NewDeduplicator(docs, store), cleanup
}

func seedExtracted(t *testing.T, docs *repo.DocumentRepo, store filestore.Store, doc *model.Document, text string) {
	t.Helper()
	ctx := context.Background()
	doc.ExtractionStatus = model.ExtractionCompleted
	doc.State = model.DocumentStateNormal
	doc.TextKey = filestore.TextObjectKey(doc.ProjectID, doc.ID)
	require.NoError(t, filestore.SaveBytes(ctx, store, doc.TextKey, []byte(text)))
	require.NoError(t, docs.Create(ctx, doc))
}

func TestDedupLatestMtimeSurvives(t *testing.T) {
	_, docs, store, dedup, cleanup := setupDedup(t)
	defer cleanup()
	ctx := context.Background()

	seedExtracted(t, docs, store, &model.Document{
		ID: "old", ProjectID: "p1", Filename: "spec_v1.pdf", Mtime: 100,
	}, "shared content body")
	seedExtracted(t, docs, store, &model.Document{
		ID: "new", ProjectID: "p1", Filename: "spec_v2.pdf", Mtime: 200,
	}, "shared   content\n\nbody")

	res, err := dedup.Run(ctx, "p1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Canonical)
	require.Equal(t, 1, res.Superseded)
	require.Empty(t, res.Errors)

	older, err := docs.Get(ctx, "p1", "old")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStateSuperseded, older.State)
	require.Equal(t, "new", older.CanonicalID)

	newer, err := docs.Get(ctx, "p1", "new")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStateNormal, newer.State)
	// Whitespace-only differences hash identically.
	require.Equal(t, newer.ContentHash, older.ContentHash)
}

func TestDedupIdempotent(t *testing.T) {
	_, docs, store, dedup, cleanup := setupDedup(t)
	defer cleanup()
	ctx := context.Background()

	seedExtracted(t, docs, store, &model.Document{
		ID: "a", ProjectID: "p1", Filename: "one.pdf", Mtime: 100,
	}, "duplicate body")
	seedExtracted(t, docs, store, &model.Document{
		ID: "b", ProjectID: "p1", Filename: "two.pdf", Mtime: 100,
	}, "duplicate body")
	seedExtracted(t, docs, store, &model.Document{
		ID: "c", ProjectID: "p1", Filename: "three.pdf", Mtime: 100,
	}, "unique body")

	first, err := dedup.Run(ctx, "p1", nil)
	require.NoError(t, err)
	second, err := dedup.Run(ctx, "p1", nil)
	require.NoError(t, err)
	require.Equal(t, first.InventoryHash, second.InventoryHash)
	require.Equal(t, first.Canonical, second.Canonical)
	require.Equal(t, first.Superseded, second.Superseded)

	// Equal mtimes: the filename tie-break keeps the pick stable.
	a, err := docs.Get(ctx, "p1", "a")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStateNormal, a.State)
	b, err := docs.Get(ctx, "p1", "b")
	require.NoError(t, err)
	require.Equal(t, model.DocumentStateSuperseded, b.State)
	require.Equal(t, "a", b.CanonicalID)
}

func TestDedupEmptyTextExcluded(t *testing.T) {
	_, docs, store, dedup, cleanup := setupDedup(t)
	defer cleanup()
	ctx := context.Background()

	seedExtracted(t, docs, store, &model.Document{
		ID: "ok", ProjectID: "p1", Filename: "good.pdf", Mtime: 100,
	}, "real content")
	seedExtracted(t, docs, store, &model.Document{
		ID: "empty", ProjectID: "p1", Filename: "blank.pdf", Mtime: 100,
	}, "   \n\t  ")

	res, err := dedup.Run(ctx, "p1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Canonical)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "empty", res.Errors[0].Item)
}

func TestDedupMissingTextExcluded(t *testing.T) {
	_, docs, _, dedup, cleanup := setupDedup(t)
	defer cleanup()
	ctx := context.Background()

	doc := &model.Document{
		ID: "lost", ProjectID: "p1", Filename: "lost.pdf", Mtime: 100,
		ExtractionStatus: model.ExtractionCompleted,
		State:            model.DocumentStateNormal,
		TextKey:          filestore.TextObjectKey("p1", "lost"),
	}
	require.NoError(t, docs.Create(ctx, doc))

	res, err := dedup.Run(ctx, "p1", nil)
	require.NoError(t, err)
	require.Zero(t, res.Canonical)
	require.Len(t, res.Errors, 1)
}
