package repo

import (
	"context"
	"database/sql"

	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
)

type StageStateRepo struct {
	db *sql.DB
}

func NewStageStateRepo(db *sql.DB) *StageStateRepo {
	return &StageStateRepo{db: db}
}

func (r *StageStateRepo) Get(ctx context.Context, projectID, stage string) (*model.StageState, error) {
	const query = `
		SELECT project_id, stage, input_hash, output_hash, mtime
		FROM stage_states
		WHERE project_id = $1 AND stage = $2
	`
	row := r.db.QueryRowContext(ctx, query, projectID, stage)
	var state model.StageState
	if err := row.Scan(&state.ProjectID, &state.Stage, &state.InputHash, &state.OutputHash, &state.Mtime); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (r *StageStateRepo) Save(ctx context.Context, state *model.StageState) error {
	const query = `
		INSERT INTO stage_states (project_id, stage, input_hash, output_hash, mtime)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, stage) DO UPDATE SET
			input_hash = EXCLUDED.input_hash,
			output_hash = EXCLUDED.output_hash,
			mtime = EXCLUDED.mtime
	`
	_, err := r.db.ExecContext(ctx, query,
		state.ProjectID,
		state.Stage,
		state.InputHash,
		state.OutputHash,
		state.Mtime,
	)
	return err
}
