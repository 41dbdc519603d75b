package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
)

type TaskRepo struct {
	db *sql.DB
}

func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db}
}

// CreateExclusive inserts a task only when no other task for the same
// project and stage is still queued or running. Returns ErrStateConflict
// when a concurrent run holds the slot, so two invocations of one stage
// can never both reach running.
func (r *TaskRepo) CreateExclusive(ctx context.Context, task *model.PipelineTask) error {
	errorsJSON, err := json.Marshal(task.Errors)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO pipeline_tasks (id, project_id, stage, status, processed, total, errors_json, cancel_requested, force, ctime, mtime, started_at, ended_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		WHERE NOT EXISTS (
			SELECT 1 FROM pipeline_tasks
			WHERE project_id = $2 AND stage = $3 AND status IN ('queued', 'running')
		)
	`
	res, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.ProjectID,
		task.Stage,
		task.Status,
		task.Processed,
		task.Total,
		string(errorsJSON),
		boolToInt(task.CancelRequested),
		boolToInt(task.Force),
		task.Ctime,
		task.Mtime,
		task.StartedAt,
		task.EndedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrStateConflict
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, taskID string) (*model.PipelineTask, error) {
	const query = `
		SELECT id, project_id, stage, status, processed, total, errors_json, cancel_requested, force, ctime, mtime, started_at, ended_at
		FROM pipeline_tasks
		WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, taskID)
	var task model.PipelineTask
	var errorsJSON string
	var cancelRequested, force int
	if err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Stage,
		&task.Status,
		&task.Processed,
		&task.Total,
		&errorsJSON,
		&cancelRequested,
		&force,
		&task.Ctime,
		&task.Mtime,
		&task.StartedAt,
		&task.EndedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	task.CancelRequested = cancelRequested == 1
	task.Force = force == 1
	if errorsJSON != "" {
		_ = json.Unmarshal([]byte(errorsJSON), &task.Errors)
	}
	return &task, nil
}

// UpdateStatusIf is a compare-and-swap transition guard. Terminal states
// stay immutable because no transition lists them as a from-status.
func (r *TaskRepo) UpdateStatusIf(ctx context.Context, taskID, fromStatus, toStatus string, mtime int64) (bool, error) {
	const query = `
		UPDATE pipeline_tasks
		SET status = $1, mtime = $2
		WHERE id = $3 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query, toStatus, mtime, taskID, fromStatus)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *TaskRepo) MarkStarted(ctx context.Context, taskID string, now int64) (bool, error) {
	const query = `
		UPDATE pipeline_tasks
		SET status = $1, started_at = $2, mtime = $2
		WHERE id = $3 AND status = $4
	`
	res, err := r.db.ExecContext(ctx, query, model.TaskStatusRunning, now, taskID, model.TaskStatusQueued)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *TaskRepo) MarkEnded(ctx context.Context, taskID, status string, errors []model.TaskError, now int64) error {
	errorsJSON, err := json.Marshal(errors)
	if err != nil {
		return err
	}
	const query = `
		UPDATE pipeline_tasks
		SET status = $1, errors_json = $2, ended_at = $3, mtime = $3
		WHERE id = $4 AND status = $5
	`
	res, err := r.db.ExecContext(ctx, query, status, string(errorsJSON), now, taskID, model.TaskStatusRunning)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrConflict
	}
	return nil
}

func (r *TaskRepo) UpdateProgress(ctx context.Context, taskID string, processed, total int, errors []model.TaskError, mtime int64) error {
	errorsJSON, err := json.Marshal(errors)
	if err != nil {
		return err
	}
	const query = `
		UPDATE pipeline_tasks
		SET processed = $1, total = $2, errors_json = $3, mtime = $4
		WHERE id = $5
	`
	_, err = r.db.ExecContext(ctx, query, processed, total, string(errorsJSON), mtime, taskID)
	return err
}

// RequestCancel raises the cooperative cancellation flag on a non-terminal
// task. The running stage observes it at the next unit boundary.
func (r *TaskRepo) RequestCancel(ctx context.Context, taskID string, mtime int64) error {
	const query = `
		UPDATE pipeline_tasks
		SET cancel_requested = 1, mtime = $1
		WHERE id = $2 AND status IN ('queued', 'running')
	`
	res, err := r.db.ExecContext(ctx, query, mtime, taskID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func (r *TaskRepo) IsCancelRequested(ctx context.Context, taskID string) (bool, error) {
	const query = `SELECT cancel_requested FROM pipeline_tasks WHERE id = $1`
	row := r.db.QueryRowContext(ctx, query, taskID)
	var flag int
	if err := row.Scan(&flag); err != nil {
		if err == sql.ErrNoRows {
			return false, appErr.ErrNotFound
		}
		return false, err
	}
	return flag == 1, nil
}

func (r *TaskRepo) DeleteFinishedBefore(ctx context.Context, cutoff int64) (int64, error) {
	const query = `
		DELETE FROM pipeline_tasks
		WHERE ended_at > 0 AND ended_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
