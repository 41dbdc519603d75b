package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/didi/gendry/builder"

	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
)

var chunkFields = []string{
	"id", "project_id", "document_id", "document_hash", "seq",
	"content", "enriched", "location", "hierarchy_json", "token_count", "enriched_tokens",
}

type ChunkRepo struct {
	db *sql.DB
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// ReplaceForDocument swaps a document's chunk set in one transaction.
// Chunk ids are deterministic, so a rerun overwrites in place without
// renumbering.
func (r *ChunkRepo) ReplaceForDocument(ctx context.Context, docID string, chunks []model.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, docID); err != nil {
		return err
	}
	const query = `
		INSERT INTO chunks (id, project_id, document_id, document_hash, seq, content, enriched, location, hierarchy_json, token_count, enriched_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for i := range chunks {
		chunk := &chunks[i]
		hierarchyJSON, err := json.Marshal(chunk.Hierarchy)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query,
			chunk.ID,
			chunk.ProjectID,
			chunk.DocumentID,
			chunk.DocumentHash,
			chunk.Seq,
			chunk.Content,
			chunk.Enriched,
			chunk.Location,
			string(hierarchyJSON),
			chunk.TokenCount,
			chunk.EnrichedTokens,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *ChunkRepo) Get(ctx context.Context, chunkID string) (*model.Chunk, error) {
	where := map[string]interface{}{
		"id": chunkID,
	}
	sqlStr, args, err := builder.BuildSelect("chunks", where, chunkFields)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, sqlStr, args...)
	chunk, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	return chunk, err
}

func (r *ChunkRepo) ListByDocument(ctx context.Context, docID string) ([]model.Chunk, error) {
	where := map[string]interface{}{
		"document_id": docID,
		"_orderby":    "seq asc",
	}
	return r.list(ctx, where)
}

func (r *ChunkRepo) ListByProject(ctx context.Context, projectID string) ([]model.Chunk, error) {
	where := map[string]interface{}{
		"project_id": projectID,
		"_orderby":   "document_id asc, seq asc",
	}
	return r.list(ctx, where)
}

func (r *ChunkRepo) list(ctx context.Context, where map[string]interface{}) ([]model.Chunk, error) {
	sqlStr, args, err := builder.BuildSelect("chunks", where, chunkFields)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []model.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, rows.Err()
}

func (r *ChunkRepo) DeleteByDocument(ctx context.Context, docID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, docID)
	return err
}

func scanChunk(row rowScanner) (*model.Chunk, error) {
	var chunk model.Chunk
	var hierarchyJSON string
	if err := row.Scan(
		&chunk.ID,
		&chunk.ProjectID,
		&chunk.DocumentID,
		&chunk.DocumentHash,
		&chunk.Seq,
		&chunk.Content,
		&chunk.Enriched,
		&chunk.Location,
		&hierarchyJSON,
		&chunk.TokenCount,
		&chunk.EnrichedTokens,
	); err != nil {
		return nil, err
	}
	if hierarchyJSON != "" {
		_ = json.Unmarshal([]byte(hierarchyJSON), &chunk.Hierarchy)
	}
	return &chunk, nil
}
