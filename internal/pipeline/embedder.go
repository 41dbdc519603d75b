package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prism-kb/prism/internal/ai"
	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// EmbedProcessor embeds chunk vectors in fixed-size batches. Resume
// safety comes from the durable store: every batch re-checks which ids
// already hold an embedding, so an interrupted run picks up exactly
// where it stopped and a crash between batches loses at most one batch.
type EmbedProcessor struct {
	chunks     *repo.ChunkRepo
	embeddings *repo.EmbeddingRepo
	embedder   ai.IEmbedder
	batchSize  int
	maxRetries int
}

func NewEmbedProcessor(chunks *repo.ChunkRepo, embeddings *repo.EmbeddingRepo, embedder ai.IEmbedder, batchSize int, maxRetries int) *EmbedProcessor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &EmbedProcessor{
		chunks:     chunks,
		embeddings: embeddings,
		embedder:   embedder,
		batchSize:  batchSize,
		maxRetries: maxRetries,
	}
}

type EmbedResult struct {
	Embedded int
	Skipped  int
	Errors   []model.TaskError
}

func (p *EmbedProcessor) Run(ctx context.Context, projectID string, force bool, onProgress func(processed, total int)) (*EmbedResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("project_id", projectID))
	chunks, err := p.chunks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}

	res := &EmbedResult{}
	total := len(chunks)
	processed := 0
	for start := 0; start < total; start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + p.batchSize
		if end > total {
			end = total
		}
		batch := chunks[start:end]

		pending, skipped, err := p.filterPending(ctx, batch, force)
		if err != nil {
			return nil, err
		}
		res.Skipped += skipped
		processed += skipped

		if len(pending) > 0 {
			if err := p.embedBatch(ctx, pending); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn("embedding batch failed", zap.Int("batch_start", start), zap.Int("size", len(pending)), zap.Error(err))
				for _, chunk := range pending {
					res.Errors = append(res.Errors, model.TaskError{Item: chunk.ID, Message: err.Error()})
				}
			} else {
				res.Embedded += len(pending)
			}
			processed += len(pending)
		}

		if onProgress != nil {
			onProgress(processed, total)
		}
	}

	logger.Info("embedding completed",
		zap.Int("total", total),
		zap.Int("embedded", res.Embedded),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", len(res.Errors)))
	return res, nil
}

// filterPending drops chunks that already hold an embedding. The check
// hits the store fresh every batch, never a cached set.
func (p *EmbedProcessor) filterPending(ctx context.Context, batch []model.Chunk, force bool) ([]model.Chunk, int, error) {
	if force {
		return batch, 0, nil
	}
	ids := make([]string, 0, len(batch))
	for _, chunk := range batch {
		ids = append(ids, chunk.ID)
	}
	existing, err := p.embeddings.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("check existing embeddings: %w", err)
	}
	pending := make([]model.Chunk, 0, len(batch))
	for _, chunk := range batch {
		if existing[chunk.ID] {
			continue
		}
		pending = append(pending, chunk)
	}
	return pending, len(batch) - len(pending), nil
}

func (p *EmbedProcessor) embedBatch(ctx context.Context, batch []model.Chunk) error {
	texts := make([]string, 0, len(batch))
	for _, chunk := range batch {
		texts = append(texts, chunk.Enriched)
	}

	var vectors [][]float32
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Second*(1<<uint(attempt-1))); err != nil {
				return err
			}
		}
		vectors, lastErr = p.embedder.EmbedBatch(ctx, texts)
		if lastErr == nil {
			break
		}
		logutil.GetLogger(ctx).Warn("embed attempt failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	if lastErr != nil {
		return lastErr
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
	}

	now := time.Now().UnixMilli()
	for i, chunk := range batch {
		emb := &model.ChunkEmbedding{
			ChunkID:   chunk.ID,
			ProjectID: chunk.ProjectID,
			Embedding: vectors[i],
			Model:     p.embedder.ModelName(),
			Dims:      p.embedder.Dims(),
			Mtime:     now,
		}
		if err := p.embeddings.Save(ctx, emb); err != nil {
			return fmt.Errorf("save embedding for %s: %w", chunk.ID, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ChunksHash digests the ordered chunk ids of a project so downstream
// stages can detect a changed chunk inventory.
func ChunksHash(chunks []model.Chunk) string {
	h := sha256.New()
	for _, chunk := range chunks {
		h.Write([]byte(chunk.ID))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
