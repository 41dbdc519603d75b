package pipeline

import (
	"context"
	"fmt"

	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/search"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Indexer pushes embedded chunks into the external search index in
// fixed batches. Chunks without a stored vector are reported and left
// out of the upload; a later embedding rerun picks them up.
type Indexer struct {
	docs        *repo.DocumentRepo
	chunks      *repo.ChunkRepo
	embeddings  *repo.EmbeddingRepo
	search      search.ISearch
	indexPrefix string
	batchSize   int
}

func NewIndexer(docs *repo.DocumentRepo, chunks *repo.ChunkRepo, embeddings *repo.EmbeddingRepo, sc search.ISearch, indexPrefix string, batchSize int) *Indexer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Indexer{
		docs:        docs,
		chunks:      chunks,
		embeddings:  embeddings,
		search:      sc,
		indexPrefix: indexPrefix,
		batchSize:   batchSize,
	}
}

type IndexResult struct {
	Uploaded int
	Errors   []model.TaskError
}

func (ix *Indexer) IndexName(projectID string) string {
	return ix.indexPrefix + projectID
}

func (ix *Indexer) Run(ctx context.Context, projectID string, onProgress func(processed, total int)) (*IndexResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("project_id", projectID))
	chunks, err := ix.chunks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	docs, err := ix.docs.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	filenames := make(map[string]string, len(docs))
	for _, doc := range docs {
		filenames[doc.ID] = doc.Filename
	}

	res := &IndexResult{}
	index := ix.IndexName(projectID)
	total := len(chunks)
	processed := 0
	for start := 0; start < total; start += ix.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + ix.batchSize
		if end > total {
			end = total
		}

		batch := make([]search.IndexDocument, 0, end-start)
		for _, chunk := range chunks[start:end] {
			emb, err := ix.embeddings.Get(ctx, chunk.ID)
			if err != nil {
				res.Errors = append(res.Errors, model.TaskError{Item: chunk.ID, Message: "missing embedding: " + err.Error()})
				continue
			}
			batch = append(batch, search.IndexDocument{
				ID:         chunk.ID,
				ProjectID:  chunk.ProjectID,
				DocumentID: chunk.DocumentID,
				SourceFile: filenames[chunk.DocumentID],
				Location:   chunk.Location,
				Content:    chunk.Enriched,
				Vector:     emb.Embedding,
			})
		}

		if err := ix.search.Upload(ctx, index, batch); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("index upload failed", zap.Int("batch_start", start), zap.Int("size", len(batch)), zap.Error(err))
			for _, doc := range batch {
				res.Errors = append(res.Errors, model.TaskError{Item: doc.ID, Message: err.Error()})
			}
		} else {
			res.Uploaded += len(batch)
		}

		processed = end
		if onProgress != nil {
			onProgress(processed, total)
		}
	}

	logger.Info("index upload completed", zap.String("index", index), zap.Int("uploaded", res.Uploaded), zap.Int("failed", len(res.Errors)))
	return res, nil
}
