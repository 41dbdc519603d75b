package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/prism-kb/prism/internal/model"
)

type EmbeddingRepo struct {
	db *sql.DB
}

func NewEmbeddingRepo(db *sql.DB) *EmbeddingRepo {
	return &EmbeddingRepo{db: db}
}

// Save upserts keyed by chunk id. Re-running the embedding stage can never
// produce a duplicate record for a chunk.
func (r *EmbeddingRepo) Save(ctx context.Context, emb *model.ChunkEmbedding) error {
	const query = `
		INSERT INTO chunk_embeddings (chunk_id, project_id, embedding, model, dims, mtime)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			model = EXCLUDED.model,
			dims = EXCLUDED.dims,
			mtime = EXCLUDED.mtime
	`
	_, err := r.db.ExecContext(ctx, query,
		emb.ChunkID,
		emb.ProjectID,
		pgvector.NewVector(emb.Embedding),
		emb.Model,
		emb.Dims,
		emb.Mtime,
	)
	return err
}

// ExistingIDs reports which of the given chunk ids already have a persisted
// embedding. The skip check for resume consults the durable store directly,
// never a cached set.
func (r *EmbeddingRepo) ExistingIDs(ctx context.Context, chunkIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return existing, nil
	}
	placeholders := make([]string, len(chunkIDs))
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT chunk_id FROM chunk_embeddings WHERE chunk_id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

func (r *EmbeddingRepo) Get(ctx context.Context, chunkID string) (*model.ChunkEmbedding, error) {
	const query = `
		SELECT chunk_id, project_id, embedding, model, dims, mtime
		FROM chunk_embeddings
		WHERE chunk_id = $1
	`
	row := r.db.QueryRowContext(ctx, query, chunkID)
	var emb model.ChunkEmbedding
	var vec pgvector.Vector
	if err := row.Scan(&emb.ChunkID, &emb.ProjectID, &vec, &emb.Model, &emb.Dims, &emb.Mtime); err != nil {
		return nil, err
	}
	emb.Embedding = vec.Slice()
	return &emb, nil
}

func (r *EmbeddingRepo) CountByProject(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(1) FROM chunk_embeddings WHERE project_id = $1`
	row := r.db.QueryRowContext(ctx, query, projectID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListMissing returns chunk ids of a project that have no embedding record,
// in persisted chunk order. Used by the resync job.
func (r *EmbeddingRepo) ListMissing(ctx context.Context, projectID string, limit int) ([]string, error) {
	const query = `
		SELECT c.id
		FROM chunks c
		LEFT JOIN chunk_embeddings e ON c.id = e.chunk_id
		WHERE c.project_id = $1 AND e.chunk_id IS NULL
		ORDER BY c.document_id, c.seq
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
