package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prism-kb/prism/internal/config"
	"github.com/prism-kb/prism/internal/extract"
	"github.com/prism-kb/prism/internal/filestore"
	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/testutil"
)

type fakeExtractor struct {
	mu     sync.Mutex
	calls  []string
	failOn string
	block  bool
}

func (f *fakeExtractor) Extract(ctx context.Context, filename string, r io.Reader) (*extract.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, filename)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.failOn == filename {
		return nil, fmt.Errorf("converter rejected %s", filename)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &extract.Result{
		Text:     "# " + filename + "\n\n" + string(data),
		MimeType: "text/markdown",
		Pages:    1,
	}, nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type orchEnv struct {
	docs   *repo.DocumentRepo
	chunks *repo.ChunkRepo
	tasks  *repo.TaskRepo
	states *repo.StageStateRepo
	store  filestore.Store
	orch   *Orchestrator
}

func setupOrchestrator(t *testing.T, fx *fakeExtractor) (*orchEnv, func()) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	store, err := filestore.New(config.FileStoreConfig{
		Type: "local",
		Data: map[string]interface{}{"dir": t.TempDir()},
	})
	require.NoError(t, err)

	env := &orchEnv{
		docs:   repo.NewDocumentRepo(db),
		chunks: repo.NewChunkRepo(db),
		tasks:  repo.NewTaskRepo(db),
		states: repo.NewStageStateRepo(db),
		store:  store,
	}
	env.orch = NewOrchestrator(OrchestratorParams{
		Docs:        env.docs,
		Chunks:      env.chunks,
		Tasks:       env.tasks,
		States:      env.states,
		Store:       store,
		Extractor:   fx,
		Dedup:       NewDeduplicator(env.docs, store),
		Chunker:     NewChunker(350, 50, 80),
		WorkerLimit: 2,
	})
	return env, cleanup
}

func seedRaw(t *testing.T, env *orchEnv, doc *model.Document, content string) {
	t.Helper()
	ctx := context.Background()
	doc.ExtractionStatus = model.ExtractionPending
	doc.State = model.DocumentStateNormal
	doc.Size = int64(len(content))
	key := filestore.RawObjectKey(doc.ProjectID, doc.ID, doc.Filename)
	require.NoError(t, filestore.SaveBytes(ctx, env.store, key, []byte(content)))
	require.NoError(t, env.docs.Create(ctx, doc))
}

func waitTerminal(t *testing.T, tasks *repo.TaskRepo, taskID string) *model.PipelineTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := tasks.Get(context.Background(), taskID)
		require.NoError(t, err)
		if model.IsTerminalStatus(task.Status) {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal status", taskID)
	return nil
}

func runStageToEnd(t *testing.T, env *orchEnv, projectID, stage string) *model.PipelineTask {
	t.Helper()
	task, err := env.orch.RunStage(context.Background(), projectID, stage, false)
	require.NoError(t, err)
	return waitTerminal(t, env.tasks, task.ID)
}

func TestRunStageUnknownStage(t *testing.T) {
	env, cleanup := setupOrchestrator(t, &fakeExtractor{})
	defer cleanup()

	_, err := env.orch.RunStage(context.Background(), "p1", "transmogrify", false)
	require.True(t, appErr.IsInput(err))
}

func TestRunStageRequiresUpstreamOutput(t *testing.T) {
	env, cleanup := setupOrchestrator(t, &fakeExtractor{})
	defer cleanup()
	ctx := context.Background()

	for _, stage := range []string{model.StageDeduplication, model.StageChunking, model.StageEmbedding, model.StageIndexing} {
		_, err := env.orch.RunStage(ctx, "p1", stage, false)
		require.True(t, appErr.IsStateConflict(err), "stage %s should refuse without upstream output", stage)
	}
}

func TestExtractionStageSucceeds(t *testing.T) {
	fx := &fakeExtractor{}
	env, cleanup := setupOrchestrator(t, fx)
	defer cleanup()
	ctx := context.Background()

	seedRaw(t, env, &model.Document{ID: "d1", ProjectID: "p1", Filename: "one.pdf", Mtime: 100}, "body of spec one")
	seedRaw(t, env, &model.Document{ID: "d2", ProjectID: "p1", Filename: "two.pdf", Mtime: 200}, "body of spec two")

	task := runStageToEnd(t, env, "p1", model.StageExtraction)
	require.Equal(t, model.TaskStatusSucceeded, task.Status)
	require.Equal(t, 2, task.Processed)
	require.Equal(t, 2, task.Total)
	require.Empty(t, task.Errors)
	require.Equal(t, 2, fx.callCount())

	for _, id := range []string{"d1", "d2"} {
		doc, err := env.docs.Get(ctx, "p1", id)
		require.NoError(t, err)
		require.Equal(t, model.ExtractionCompleted, doc.ExtractionStatus)
		require.NotEmpty(t, doc.TextKey)
		text, err := filestore.ReadAll(ctx, env.store, doc.TextKey)
		require.NoError(t, err)
		require.Contains(t, string(text), "body of spec")
	}

	state, err := env.states.Get(ctx, "p1", model.StageExtraction)
	require.NoError(t, err)
	require.NotEmpty(t, state.InputHash)
	require.NotEmpty(t, state.OutputHash)
}

func TestExtractionPartialFailure(t *testing.T) {
	fx := &fakeExtractor{failOn: "bad.pdf"}
	env, cleanup := setupOrchestrator(t, fx)
	defer cleanup()
	ctx := context.Background()

	seedRaw(t, env, &model.Document{ID: "d1", ProjectID: "p1", Filename: "good.pdf", Mtime: 100}, "readable body")
	seedRaw(t, env, &model.Document{ID: "d2", ProjectID: "p1", Filename: "bad.pdf", Mtime: 200}, "corrupt body")

	task := runStageToEnd(t, env, "p1", model.StageExtraction)
	require.Equal(t, model.TaskStatusSucceededWithError, task.Status)
	require.Len(t, task.Errors, 1)
	require.Equal(t, "d2", task.Errors[0].Item)

	good, err := env.docs.Get(ctx, "p1", "d1")
	require.NoError(t, err)
	require.Equal(t, model.ExtractionCompleted, good.ExtractionStatus)
	bad, err := env.docs.Get(ctx, "p1", "d2")
	require.NoError(t, err)
	require.Equal(t, model.ExtractionFailed, bad.ExtractionStatus)

	// The stage still records its output so downstream stages can run
	// over the documents that did extract.
	state, err := env.states.Get(ctx, "p1", model.StageExtraction)
	require.NoError(t, err)
	require.NotEmpty(t, state.OutputHash)
}

func TestExtractionReRunPicksUpFailed(t *testing.T) {
	fx := &fakeExtractor{failOn: "bad.pdf"}
	env, cleanup := setupOrchestrator(t, fx)
	defer cleanup()

	seedRaw(t, env, &model.Document{ID: "d1", ProjectID: "p1", Filename: "good.pdf", Mtime: 100}, "readable body")
	seedRaw(t, env, &model.Document{ID: "d2", ProjectID: "p1", Filename: "bad.pdf", Mtime: 200}, "flaky body")

	first := runStageToEnd(t, env, "p1", model.StageExtraction)
	require.Equal(t, model.TaskStatusSucceededWithError, first.Status)

	fx.mu.Lock()
	fx.failOn = ""
	fx.mu.Unlock()

	second := runStageToEnd(t, env, "p1", model.StageExtraction)
	require.Equal(t, model.TaskStatusSucceeded, second.Status)
	// Only the previously failed document is retried.
	require.Equal(t, 1, second.Total)
	require.Equal(t, 3, fx.callCount())
}

func TestCancelRunningTask(t *testing.T) {
	fx := &fakeExtractor{block: true}
	env, cleanup := setupOrchestrator(t, fx)
	defer cleanup()
	ctx := context.Background()

	seedRaw(t, env, &model.Document{ID: "d1", ProjectID: "p1", Filename: "slow.pdf", Mtime: 100}, "body")

	task, err := env.orch.RunStage(ctx, "p1", model.StageExtraction, false)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for fx.callCount() == 0 {
		require.True(t, time.Now().Before(deadline), "extractor was never invoked")
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, env.orch.Cancel(ctx, task.ID))

	done := waitTerminal(t, env.tasks, task.ID)
	require.Equal(t, model.TaskStatusCancelled, done.Status)

	// A finished task cannot be cancelled again.
	err = env.orch.Cancel(ctx, task.ID)
	require.True(t, appErr.IsStateConflict(err))
}

func TestRunStageRejectsStaleUpstream(t *testing.T) {
	fx := &fakeExtractor{}
	env, cleanup := setupOrchestrator(t, fx)
	defer cleanup()
	ctx := context.Background()

	seedRaw(t, env, &model.Document{ID: "d1", ProjectID: "p1", Filename: "one.pdf", Mtime: 100}, "first body")
	require.Equal(t, model.TaskStatusSucceeded, runStageToEnd(t, env, "p1", model.StageExtraction).Status)
	require.Equal(t, model.TaskStatusSucceeded, runStageToEnd(t, env, "p1", model.StageDeduplication).Status)

	// A new upload shifts the extraction input set, so deduplication
	// must wait for extraction to be re-run.
	seedRaw(t, env, &model.Document{ID: "d2", ProjectID: "p1", Filename: "two.pdf", Mtime: 200}, "second body")
	_, err := env.orch.RunStage(ctx, "p1", model.StageDeduplication, false)
	require.True(t, appErr.IsStateConflict(err))

	require.Equal(t, model.TaskStatusSucceeded, runStageToEnd(t, env, "p1", model.StageExtraction).Status)
	require.Equal(t, model.TaskStatusSucceeded, runStageToEnd(t, env, "p1", model.StageDeduplication).Status)
}

func TestPipelineFlowThroughChunking(t *testing.T) {
	fx := &fakeExtractor{}
	env, cleanup := setupOrchestrator(t, fx)
	defer cleanup()
	ctx := context.Background()

	seedRaw(t, env, &model.Document{ID: "d1", ProjectID: "p1", Filename: "Substation_Spec.pdf", Mtime: 100}, "the primary equipment specification")
	seedRaw(t, env, &model.Document{ID: "d2", ProjectID: "p1", Filename: "Control_Manual.pdf", Mtime: 200}, "the control system manual")

	extraction := runStageToEnd(t, env, "p1", model.StageExtraction)
	require.Equal(t, model.TaskStatusSucceeded, extraction.Status)

	dedup := runStageToEnd(t, env, "p1", model.StageDeduplication)
	require.Equal(t, model.TaskStatusSucceeded, dedup.Status)

	chunking := runStageToEnd(t, env, "p1", model.StageChunking)
	require.Equal(t, model.TaskStatusSucceeded, chunking.Status)

	chunks, err := env.chunks.ListByProject(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		doc, err := env.docs.Get(ctx, "p1", chunk.DocumentID)
		require.NoError(t, err)
		require.Equal(t, doc.ContentHash, chunk.DocumentHash)
		require.Equal(t, doc.ContentHash[:8]+"_chunk_000", chunk.ID)
		require.Contains(t, chunk.Enriched, "Document: ")
	}

	state, err := env.states.Get(ctx, "p1", model.StageChunking)
	require.NoError(t, err)
	require.Equal(t, ChunksHash(chunks), state.OutputHash)
}
