package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/search"
	"github.com/prism-kb/prism/internal/testutil"
)

type fakeSearch struct {
	calls     []string
	histories [][]string
	results   map[string]*search.RetrieveResult
}

func (f *fakeSearch) Retrieve(ctx context.Context, req *search.RetrieveRequest) (*search.RetrieveResult, error) {
	f.calls = append(f.calls, req.Query)
	f.histories = append(f.histories, req.History)
	if res, ok := f.results[req.Query]; ok {
		return res, nil
	}
	return &search.RetrieveResult{}, nil
}

func (f *fakeSearch) Upload(ctx context.Context, index string, docs []search.IndexDocument) error {
	return nil
}

func (f *fakeSearch) DeleteByDocument(ctx context.Context, index string, documentID string) error {
	return nil
}

func newQueryService(t *testing.T, fake *fakeSearch, synonyms map[string][]string) (*QueryService, *repo.ChunkRepo, *repo.DocumentRepo, func()) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	chunks := repo.NewChunkRepo(db)
	docs := repo.NewDocumentRepo(db)
	svc := NewQueryService(fake, chunks, docs, "prism-", synonyms, 16, time.Minute)
	return svc, chunks, docs, cleanup
}

func TestQueryRetryLadderRecordsAllAttempts(t *testing.T) {
	question := "OSS SCADA interface details"
	expanded := question + " OR supervisory control OR monitoring system"
	fake := &fakeSearch{
		results: map[string]*search.RetrieveResult{
			expanded: {
				Answer:   "The interface is specified in section 4.",
				Passages: []search.Passage{{ChunkID: "c1", SourceFile: "spec.pdf", Location: "Page 4", RerankerScore: 2.5}},
			},
		},
	}
	svc, _, _, cleanup := newQueryService(t, fake, map[string][]string{
		"SCADA": {"supervisory control", "monitoring system"},
	})
	defer cleanup()

	res, err := svc.Query(context.Background(), "p1", question, nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAnswered, res.Outcome)
	require.Len(t, res.Activity, 3)
	require.Equal(t, model.AttemptLiteral, res.Activity[0].Variant)
	require.Equal(t, model.AttemptSimplified, res.Activity[1].Variant)
	require.Equal(t, "interface details", res.Activity[1].Query)
	require.Equal(t, model.AttemptExpanded, res.Activity[2].Variant)
	require.Equal(t, expanded, res.Activity[2].Query)
	require.Zero(t, res.Activity[0].PassageCount)
	require.Equal(t, 1, res.Activity[2].PassageCount)
}

func TestQueryStopsAtFirstGroundedAttempt(t *testing.T) {
	question := "cable routing requirements"
	fake := &fakeSearch{
		results: map[string]*search.RetrieveResult{
			question: {
				Answer:   "Cables are routed through the east tray.",
				Passages: []search.Passage{{ChunkID: "c1", SourceFile: "layout.pdf", RerankerScore: 3.1}},
			},
		},
	}
	svc, _, _, cleanup := newQueryService(t, fake, nil)
	defer cleanup()

	res, err := svc.Query(context.Background(), "p1", question, nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeAnswered, res.Outcome)
	require.Len(t, res.Activity, 1)
	require.Len(t, fake.calls, 1)
}

func TestQueryNotFoundAfterAllAttempts(t *testing.T) {
	fake := &fakeSearch{}
	svc, _, _, cleanup := newQueryService(t, fake, nil)
	defer cleanup()

	res, err := svc.Query(context.Background(), "p1", "ABC fire suppression 400V rating", nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeNotFound, res.Outcome)
	require.NotEmpty(t, res.Answer)
	require.Empty(t, res.Citations)
	// Every rung of the ladder was tried and logged.
	require.Len(t, res.Activity, 3)
	require.Len(t, fake.calls, 3)
}

func TestQueryExplicitExclusionOutcome(t *testing.T) {
	question := "battery room ventilation"
	fake := &fakeSearch{
		results: map[string]*search.RetrieveResult{
			question: {
				Answer:   "The specification states ventilation is not required for the battery room.",
				Passages: []search.Passage{{ChunkID: "c1", SourceFile: "spec.pdf", RerankerScore: 2.0}},
			},
		},
	}
	svc, _, _, cleanup := newQueryService(t, fake, nil)
	defer cleanup()

	res, err := svc.Query(context.Background(), "p1", question, nil)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeExcluded, res.Outcome)
	require.Len(t, res.Citations, 1)
}

func TestQueryCitationsFromLocalRecords(t *testing.T) {
	question := "transformer cooling"
	fake := &fakeSearch{
		results: map[string]*search.RetrieveResult{
			question: {
				Answer: "Cooling is forced air.",
				Passages: []search.Passage{
					{ChunkID: "abcd1234_chunk_000", SourceFile: "stale.pdf", Location: "stale", RerankerScore: 2.8},
					{ChunkID: "abcd1234_chunk_000", SourceFile: "stale.pdf", RerankerScore: 2.8},
					{ChunkID: "unknown_chunk", SourceFile: "remote.pdf", Location: "Page 9", RerankerScore: 1.1},
				},
			},
		},
	}
	svc, chunks, docs, cleanup := newQueryService(t, fake, nil)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, docs.Create(ctx, &model.Document{
		ID: "d1", ProjectID: "p1", Filename: "Transformer_Manual.pdf",
		ExtractionStatus: model.ExtractionCompleted, State: model.DocumentStateNormal,
	}))
	require.NoError(t, chunks.ReplaceForDocument(ctx, "d1", []model.Chunk{{
		ID: "abcd1234_chunk_000", ProjectID: "p1", DocumentID: "d1",
		DocumentHash: "abcd1234", Location: "Page 12",
	}}))

	res, err := svc.Query(ctx, "p1", question, nil)
	require.NoError(t, err)
	require.Len(t, res.Citations, 2)
	// Duplicate passage collapsed; local chunk and document records win.
	require.Equal(t, "Transformer_Manual.pdf", res.Citations[0].SourceFile)
	require.Equal(t, "Page 12", res.Citations[0].Location)
	require.InDelta(t, 2.8, res.Citations[0].Relevance, 0.001)
	// Unknown chunk falls back to what the index returned.
	require.Equal(t, "remote.pdf", res.Citations[1].SourceFile)
	require.Equal(t, "Page 9", res.Citations[1].Location)
}

func TestQueryAnswerCache(t *testing.T) {
	question := "earthing system layout"
	fake := &fakeSearch{
		results: map[string]*search.RetrieveResult{
			question: {
				Answer:   "A mesh earthing grid is used.",
				Passages: []search.Passage{{ChunkID: "c1", SourceFile: "earth.pdf", RerankerScore: 2.2}},
			},
		},
	}
	svc, _, _, cleanup := newQueryService(t, fake, nil)
	defer cleanup()

	first, err := svc.Query(context.Background(), "p1", question, nil)
	require.NoError(t, err)
	second, err := svc.Query(context.Background(), "p1", question, nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, fake.calls, 1)

	// A different project misses the cache.
	_, err = svc.Query(context.Background(), "p2", question, nil)
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)
}

func TestQueryHistoryPassedThroughAndUncached(t *testing.T) {
	question := "what about the second transformer"
	history := []string{"transformer cooling", "Cooling is forced air."}
	fake := &fakeSearch{
		results: map[string]*search.RetrieveResult{
			question: {
				Answer:   "The second transformer is identical.",
				Passages: []search.Passage{{ChunkID: "c1", SourceFile: "spec.pdf", RerankerScore: 2.0}},
			},
		},
	}
	svc, _, _, cleanup := newQueryService(t, fake, nil)
	defer cleanup()

	_, err := svc.Query(context.Background(), "p1", question, history)
	require.NoError(t, err)
	require.Equal(t, history, fake.histories[0])

	// Follow-up answers depend on the conversation, so they bypass the
	// cache entirely.
	_, err = svc.Query(context.Background(), "p1", question, history)
	require.NoError(t, err)
	require.Len(t, fake.calls, 2)
}
