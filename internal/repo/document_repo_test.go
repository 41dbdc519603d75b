package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/testutil"
)

func newDocument(id, project, filename string) *model.Document {
	return &model.Document{
		ID:               id,
		ProjectID:        project,
		Filename:         filename,
		ExtractionStatus: model.ExtractionPending,
		State:            model.DocumentStateNormal,
		Mtime:            1,
		Ctime:            1,
	}
}

func TestDocumentCRUD(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	docs := repo.NewDocumentRepo(db)
	ctx := context.Background()

	require.NoError(t, docs.Create(ctx, newDocument("d1", "p1", "spec.pdf")))

	doc, err := docs.Get(ctx, "p1", "d1")
	require.NoError(t, err)
	require.Equal(t, "spec.pdf", doc.Filename)
	require.Equal(t, model.ExtractionPending, doc.ExtractionStatus)

	_, err = docs.Get(ctx, "p1", "missing")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	// Project scoping: the same id in another project is invisible.
	_, err = docs.Get(ctx, "p2", "d1")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestDocumentExtractionLifecycle(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	docs := repo.NewDocumentRepo(db)
	ctx := context.Background()

	uploaded := newDocument("d1", "p1", "a.pdf")
	uploaded.Size = 42
	uploaded.Mtime = 999
	require.NoError(t, docs.Create(ctx, uploaded))
	require.NoError(t, docs.UpdateExtraction(ctx, "d1", model.ExtractionCompleted, "projects/p1/text/d1.md"))

	doc, err := docs.Get(ctx, "p1", "d1")
	require.NoError(t, err)
	require.Equal(t, model.ExtractionCompleted, doc.ExtractionStatus)
	require.Equal(t, "projects/p1/text/d1.md", doc.TextKey)
	// Upload-time identity survives extraction bookkeeping.
	require.EqualValues(t, 42, doc.Size)
	require.EqualValues(t, 999, doc.Mtime)

	err = docs.UpdateExtraction(ctx, "missing", model.ExtractionFailed, "")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestDocumentListCanonical(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	docs := repo.NewDocumentRepo(db)
	ctx := context.Background()

	completed := newDocument("d1", "p1", "b.pdf")
	completed.ExtractionStatus = model.ExtractionCompleted
	require.NoError(t, docs.Create(ctx, completed))

	pending := newDocument("d2", "p1", "a.pdf")
	require.NoError(t, docs.Create(ctx, pending))

	superseded := newDocument("d3", "p1", "c.pdf")
	superseded.ExtractionStatus = model.ExtractionCompleted
	require.NoError(t, docs.Create(ctx, superseded))
	require.NoError(t, docs.MarkSuperseded(ctx, "d3", "d1"))

	canonical, err := docs.ListCanonical(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, canonical, 1)
	require.Equal(t, "d1", canonical[0].ID)

	// MarkCanonical restores a superseded record and clears the link.
	require.NoError(t, docs.MarkCanonical(ctx, "d3"))
	canonical, err = docs.ListCanonical(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, canonical, 2)
	restored, err := docs.Get(ctx, "p1", "d3")
	require.NoError(t, err)
	require.Empty(t, restored.CanonicalID)
}

func TestDocumentListByExtractionStatus(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	docs := repo.NewDocumentRepo(db)
	ctx := context.Background()

	require.NoError(t, docs.Create(ctx, newDocument("d1", "p1", "a.pdf")))
	failed := newDocument("d2", "p1", "b.pdf")
	failed.ExtractionStatus = model.ExtractionFailed
	require.NoError(t, docs.Create(ctx, failed))
	done := newDocument("d3", "p1", "c.pdf")
	done.ExtractionStatus = model.ExtractionCompleted
	require.NoError(t, docs.Create(ctx, done))

	retryable, err := docs.ListByExtractionStatus(ctx, "p1", []string{model.ExtractionPending, model.ExtractionFailed})
	require.NoError(t, err)
	require.Len(t, retryable, 2)
	require.Equal(t, "d1", retryable[0].ID)
	require.Equal(t, "d2", retryable[1].ID)
}

func TestDocumentListProjects(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	docs := repo.NewDocumentRepo(db)
	ctx := context.Background()

	require.NoError(t, docs.Create(ctx, newDocument("d1", "beta", "a.pdf")))
	require.NoError(t, docs.Create(ctx, newDocument("d2", "alpha", "b.pdf")))
	require.NoError(t, docs.Create(ctx, newDocument("d3", "alpha", "c.pdf")))

	projects, err := docs.ListProjects(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, projects)
}
