package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	appErr "github.com/prism-kb/prism/internal/pkg/errors"

	"github.com/prism-kb/prism/internal/extract"
	"github.com/prism-kb/prism/internal/filestore"
	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator drives the five pipeline stages. Exactly one task per
// project and stage may be queued or running at a time; a stage refuses
// to start while its upstream output is missing. Stage work runs in a
// background goroutine and reports through the task record.
type Orchestrator struct {
	docs        *repo.DocumentRepo
	tasks       *repo.TaskRepo
	states      *repo.StageStateRepo
	store       filestore.Store
	extractor   extract.IExtractor
	dedup       *Deduplicator
	chunker     *Chunker
	embed       *EmbedProcessor
	indexer     *Indexer
	chunks      *repo.ChunkRepo
	workerLimit int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

type OrchestratorParams struct {
	Docs        *repo.DocumentRepo
	Chunks      *repo.ChunkRepo
	Tasks       *repo.TaskRepo
	States      *repo.StageStateRepo
	Store       filestore.Store
	Extractor   extract.IExtractor
	Dedup       *Deduplicator
	Chunker     *Chunker
	Embed       *EmbedProcessor
	Indexer     *Indexer
	WorkerLimit int
}

func NewOrchestrator(params OrchestratorParams) *Orchestrator {
	limit := params.WorkerLimit
	if limit <= 0 {
		limit = 4
	}
	return &Orchestrator{
		docs:        params.Docs,
		chunks:      params.Chunks,
		tasks:       params.Tasks,
		states:      params.States,
		store:       params.Store,
		extractor:   params.Extractor,
		dedup:       params.Dedup,
		chunker:     params.Chunker,
		embed:       params.Embed,
		indexer:     params.Indexer,
		workerLimit: limit,
		cancels:     make(map[string]context.CancelFunc),
	}
}

func validStage(stage string) bool {
	for _, s := range model.StageOrder {
		if s == stage {
			return true
		}
	}
	return false
}

func upstreamStage(stage string) string {
	for i, s := range model.StageOrder {
		if s == stage && i > 0 {
			return model.StageOrder[i-1]
		}
	}
	return ""
}

// RunStage registers a task for the stage and starts it in the
// background. It fails fast when another task for the same project and
// stage is still queued or running, or when the upstream stage has not
// produced output yet.
func (o *Orchestrator) RunStage(ctx context.Context, projectID string, stage string, force bool) (*model.PipelineTask, error) {
	if !validStage(stage) {
		return nil, fmt.Errorf("%w: unknown stage: %s", appErr.ErrInput, stage)
	}
	if _, err := o.upstreamOutput(ctx, projectID, stage); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	task := &model.PipelineTask{
		ID:        newTaskID(projectID, stage, now),
		ProjectID: projectID,
		Stage:     stage,
		Status:    model.TaskStatusQueued,
		Force:     force,
		Ctime:     now,
		Mtime:     now,
	}
	if err := o.tasks.CreateExclusive(ctx, task); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Lock()
	o.cancels[task.ID] = cancel
	o.mu.Unlock()
	go o.execute(runCtx, task)

	logutil.GetLogger(ctx).Info("stage task queued",
		zap.String("task_id", task.ID),
		zap.String("project_id", projectID),
		zap.String("stage", stage),
		zap.Bool("force", force))
	return task, nil
}

// Cancel flags a task for cooperative cancellation. Output committed
// before the flag is observed stays valid.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if model.IsTerminalStatus(task.Status) {
		return fmt.Errorf("%w: task %s already %s", appErr.ErrStateConflict, taskID, task.Status)
	}
	if err := o.tasks.RequestCancel(ctx, taskID, time.Now().UnixMilli()); err != nil {
		return err
	}
	o.mu.Lock()
	cancel := o.cancels[taskID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, task *model.PipelineTask) {
	defer func() {
		o.mu.Lock()
		delete(o.cancels, task.ID)
		o.mu.Unlock()
	}()

	logger := logutil.GetLogger(ctx).With(
		zap.String("task_id", task.ID),
		zap.String("project_id", task.ProjectID),
		zap.String("stage", task.Stage))

	started, err := o.tasks.MarkStarted(ctx, task.ID, time.Now().UnixMilli())
	if err != nil || !started {
		logger.Warn("task did not start", zap.Bool("started", started), zap.Error(err))
		return
	}

	inputHash, outputHash, itemErrors, runErr := o.runStageWork(ctx, task)

	status := model.TaskStatusSucceeded
	switch {
	case ctx.Err() != nil || appErr.IsCancelled(runErr):
		status = model.TaskStatusCancelled
	case runErr != nil:
		status = model.TaskStatusFailed
		itemErrors = append(itemErrors, model.TaskError{Item: task.Stage, Message: runErr.Error()})
	case len(itemErrors) > 0:
		status = model.TaskStatusSucceededWithError
	}

	if status == model.TaskStatusSucceeded || status == model.TaskStatusSucceededWithError {
		state := &model.StageState{
			ProjectID:  task.ProjectID,
			Stage:      task.Stage,
			InputHash:  inputHash,
			OutputHash: outputHash,
			Mtime:      time.Now().UnixMilli(),
		}
		if err := o.states.Save(context.WithoutCancel(ctx), state); err != nil {
			logger.Error("save stage state failed", zap.Error(err))
			status = model.TaskStatusFailed
			itemErrors = append(itemErrors, model.TaskError{Item: task.Stage, Message: err.Error()})
		}
	}

	if err := o.tasks.MarkEnded(context.WithoutCancel(ctx), task.ID, status, itemErrors, time.Now().UnixMilli()); err != nil {
		logger.Error("mark task ended failed", zap.Error(err))
		return
	}
	logger.Info("stage task finished", zap.String("status", status), zap.Int("item_errors", len(itemErrors)))
}

func (o *Orchestrator) runStageWork(ctx context.Context, task *model.PipelineTask) (inputHash string, outputHash string, itemErrors []model.TaskError, err error) {
	inputHash, err = o.upstreamOutput(ctx, task.ProjectID, task.Stage)
	if err != nil {
		return "", "", nil, err
	}

	onProgress := o.progressFn(ctx, task.ID)
	switch task.Stage {
	case model.StageExtraction:
		outputHash, itemErrors, err = o.runExtraction(ctx, task, onProgress)
	case model.StageDeduplication:
		res, derr := o.dedup.Run(ctx, task.ProjectID, onProgress)
		if derr != nil {
			return inputHash, "", nil, derr
		}
		outputHash, itemErrors = res.InventoryHash, res.Errors
	case model.StageChunking:
		outputHash, itemErrors, err = o.runChunking(ctx, task, onProgress)
	case model.StageEmbedding:
		res, eerr := o.embed.Run(ctx, task.ProjectID, task.Force, onProgress)
		if eerr != nil {
			return inputHash, "", nil, eerr
		}
		// Embedding output covers the same chunk inventory it consumed.
		outputHash, itemErrors = inputHash, res.Errors
	case model.StageIndexing:
		res, ierr := o.indexer.Run(ctx, task.ProjectID, onProgress)
		if ierr != nil {
			return inputHash, "", nil, ierr
		}
		outputHash, itemErrors = inputHash, res.Errors
	default:
		return "", "", nil, fmt.Errorf("%w: unknown stage: %s", appErr.ErrInput, task.Stage)
	}
	return inputHash, outputHash, itemErrors, err
}

// upstreamOutput returns the output hash of the stage feeding this one.
// Extraction consumes the raw upload set, so its input hash is derived
// from the document inventory instead of a stage state. An upstream whose
// recorded input no longer matches what it would consume now is stale:
// the caller must re-run that one stage before this one may start.
func (o *Orchestrator) upstreamOutput(ctx context.Context, projectID string, stage string) (string, error) {
	upstream := upstreamStage(stage)
	if upstream == "" {
		docs, err := o.docs.ListByProject(ctx, projectID)
		if err != nil {
			return "", err
		}
		return uploadSetHash(docs), nil
	}
	state, err := o.states.Get(ctx, projectID, upstream)
	if err != nil {
		if appErr.IsNotFound(err) {
			return "", fmt.Errorf("%w: stage %s has no %s output to consume", appErr.ErrStateConflict, stage, upstream)
		}
		return "", err
	}
	if state.OutputHash == "" {
		return "", fmt.Errorf("%w: stage %s has no %s output to consume", appErr.ErrStateConflict, stage, upstream)
	}
	upstreamInput, err := o.upstreamOutput(ctx, projectID, upstream)
	if err != nil {
		return "", err
	}
	if state.InputHash != upstreamInput {
		return "", fmt.Errorf("%w: %s output is stale, re-run %s before %s", appErr.ErrStateConflict, upstream, upstream, stage)
	}
	return state.OutputHash, nil
}

// progressFn commits counters after every unit of work and doubles as
// the cancellation poll: a cancel flag raised through the API is turned
// into context cancellation here.
func (o *Orchestrator) progressFn(ctx context.Context, taskID string) func(processed, total int) {
	return func(processed, total int) {
		now := time.Now().UnixMilli()
		if err := o.tasks.UpdateProgress(ctx, taskID, processed, total, nil, now); err != nil {
			logutil.GetLogger(ctx).Warn("update progress failed", zap.Error(err))
		}
		cancelled, err := o.tasks.IsCancelRequested(ctx, taskID)
		if err == nil && cancelled {
			o.mu.Lock()
			cancel := o.cancels[taskID]
			o.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		}
	}
}

func (o *Orchestrator) runExtraction(ctx context.Context, task *model.PipelineTask, onProgress func(processed, total int)) (string, []model.TaskError, error) {
	statuses := []string{model.ExtractionPending, model.ExtractionFailed}
	if task.Force {
		statuses = append(statuses, model.ExtractionProcessing, model.ExtractionCompleted)
	}
	docs, err := o.docs.ListByExtractionStatus(ctx, task.ProjectID, statuses)
	if err != nil {
		return "", nil, fmt.Errorf("list documents: %w", err)
	}

	var mu sync.Mutex
	var itemErrors []model.TaskError
	processed := 0

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(o.workerLimit)
	for i := range docs {
		doc := docs[i]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			extractErr := o.extractDocument(egCtx, &doc)
			mu.Lock()
			if extractErr != nil {
				itemErrors = append(itemErrors, model.TaskError{Item: doc.ID, Message: extractErr.Error()})
			}
			processed++
			done := processed
			mu.Unlock()
			onProgress(done, len(docs))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", itemErrors, err
	}
	if err := ctx.Err(); err != nil {
		return "", itemErrors, err
	}

	completed, err := o.docs.ListByExtractionStatus(ctx, task.ProjectID, []string{model.ExtractionCompleted})
	if err != nil {
		return "", itemErrors, err
	}
	return extractionOutputHash(completed), itemErrors, nil
}

func (o *Orchestrator) extractDocument(ctx context.Context, doc *model.Document) error {
	logger := logutil.GetLogger(ctx).With(zap.String("document_id", doc.ID), zap.String("filename", doc.Filename))
	raw, err := o.store.Open(ctx, filestore.RawObjectKey(doc.ProjectID, doc.ID, doc.Filename))
	if err != nil {
		return fmt.Errorf("open raw upload: %w", err)
	}
	defer raw.Close()

	res, err := o.extractor.Extract(ctx, doc.Filename, raw)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if uerr := o.docs.UpdateExtraction(context.WithoutCancel(ctx), doc.ID, model.ExtractionFailed, ""); uerr != nil {
			logger.Error("mark extraction failed", zap.Error(uerr))
		}
		return fmt.Errorf("%w: extract: %v", appErr.ErrExternalService, err)
	}

	textKey := filestore.TextObjectKey(doc.ProjectID, doc.ID)
	if err := filestore.SaveBytes(ctx, o.store, textKey, []byte(res.Text)); err != nil {
		return fmt.Errorf("save extracted text: %w", err)
	}
	if err := o.docs.UpdateExtraction(ctx, doc.ID, model.ExtractionCompleted, textKey); err != nil {
		return fmt.Errorf("record extraction: %w", err)
	}
	logger.Debug("document extracted", zap.Int("pages", res.Pages), zap.Int("text_size", len(res.Text)))
	return nil
}

func (o *Orchestrator) runChunking(ctx context.Context, task *model.PipelineTask, onProgress func(processed, total int)) (string, []model.TaskError, error) {
	docs, err := o.docs.ListCanonical(ctx, task.ProjectID)
	if err != nil {
		return "", nil, fmt.Errorf("list canonical documents: %w", err)
	}

	var itemErrors []model.TaskError
	for i := range docs {
		if err := ctx.Err(); err != nil {
			return "", itemErrors, err
		}
		doc := &docs[i]
		if err := o.chunkDocument(ctx, doc); err != nil {
			itemErrors = append(itemErrors, model.TaskError{Item: doc.ID, Message: err.Error()})
		}
		onProgress(i+1, len(docs))
	}

	chunks, err := o.chunks.ListByProject(ctx, task.ProjectID)
	if err != nil {
		return "", itemErrors, err
	}
	return ChunksHash(chunks), itemErrors, nil
}

func (o *Orchestrator) chunkDocument(ctx context.Context, doc *model.Document) error {
	data, err := filestore.ReadAll(ctx, o.store, doc.TextKey)
	if err != nil {
		return fmt.Errorf("read extracted text: %w", err)
	}
	chunks := o.chunker.ChunkDocument(ctx, doc, string(data))
	deref := make([]model.Chunk, 0, len(chunks))
	for _, c := range chunks {
		deref = append(deref, *c)
	}
	if err := o.chunks.ReplaceForDocument(ctx, doc.ID, deref); err != nil {
		return fmt.Errorf("store chunks: %w", err)
	}
	return nil
}

func uploadSetHash(docs []model.Document) string {
	lines := make([]string, 0, len(docs))
	for _, doc := range docs {
		lines = append(lines, fmt.Sprintf("%s:%d:%d", doc.ID, doc.Size, doc.Mtime))
	}
	sort.Strings(lines)
	return sha256Lines(lines)
}

func extractionOutputHash(docs []model.Document) string {
	lines := make([]string, 0, len(docs))
	for _, doc := range docs {
		lines = append(lines, doc.ID+":"+doc.TextKey)
	}
	sort.Strings(lines)
	return sha256Lines(lines)
}

func sha256Lines(lines []string) string {
	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func newTaskID(projectID string, stage string, now int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", projectID, stage, now)))
	return hex.EncodeToString(sum[:16])
}
