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

func newTask(id, project, stage string) *model.PipelineTask {
	return &model.PipelineTask{
		ID:        id,
		ProjectID: project,
		Stage:     stage,
		Status:    model.TaskStatusQueued,
		Ctime:     1,
		Mtime:     1,
	}
}

func TestTaskCreateExclusive(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	tasks := repo.NewTaskRepo(db)
	ctx := context.Background()

	require.NoError(t, tasks.CreateExclusive(ctx, newTask("t1", "p1", model.StageChunking)))
	// Second task for the same project+stage is rejected while t1 is alive.
	err := tasks.CreateExclusive(ctx, newTask("t2", "p1", model.StageChunking))
	require.ErrorIs(t, err, appErr.ErrStateConflict)

	// Other stages and projects are unaffected.
	require.NoError(t, tasks.CreateExclusive(ctx, newTask("t3", "p1", model.StageEmbedding)))
	require.NoError(t, tasks.CreateExclusive(ctx, newTask("t4", "p2", model.StageChunking)))

	// Once t1 reaches a terminal state the slot frees up.
	started, err := tasks.MarkStarted(ctx, "t1", 2)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, tasks.MarkEnded(ctx, "t1", model.TaskStatusSucceeded, nil, 3))
	require.NoError(t, tasks.CreateExclusive(ctx, newTask("t5", "p1", model.StageChunking)))
}

func TestTaskTerminalImmutable(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	tasks := repo.NewTaskRepo(db)
	ctx := context.Background()

	require.NoError(t, tasks.CreateExclusive(ctx, newTask("t1", "p1", model.StageChunking)))
	started, err := tasks.MarkStarted(ctx, "t1", 2)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, tasks.MarkEnded(ctx, "t1", model.TaskStatusFailed, []model.TaskError{{Item: "d1", Message: "boom"}}, 3))

	// No transition leads out of a terminal state.
	started, err = tasks.MarkStarted(ctx, "t1", 4)
	require.NoError(t, err)
	require.False(t, started)
	err = tasks.MarkEnded(ctx, "t1", model.TaskStatusSucceeded, nil, 5)
	require.ErrorIs(t, err, appErr.ErrConflict)

	task, err := tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusFailed, task.Status)
	require.Len(t, task.Errors, 1)
	require.Equal(t, "boom", task.Errors[0].Message)
}

func TestTaskCancelFlag(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	tasks := repo.NewTaskRepo(db)
	ctx := context.Background()

	require.NoError(t, tasks.CreateExclusive(ctx, newTask("t1", "p1", model.StageEmbedding)))
	require.NoError(t, tasks.RequestCancel(ctx, "t1", 2))
	cancelled, err := tasks.IsCancelRequested(ctx, "t1")
	require.NoError(t, err)
	require.True(t, cancelled)

	// Cancelling a finished task is a no-op error.
	started, err := tasks.MarkStarted(ctx, "t1", 3)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, tasks.MarkEnded(ctx, "t1", model.TaskStatusCancelled, nil, 4))
	require.Error(t, tasks.RequestCancel(ctx, "t1", 5))
}

func TestTaskPruneFinished(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	tasks := repo.NewTaskRepo(db)
	ctx := context.Background()

	require.NoError(t, tasks.CreateExclusive(ctx, newTask("old", "p1", model.StageChunking)))
	started, err := tasks.MarkStarted(ctx, "old", 2)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, tasks.MarkEnded(ctx, "old", model.TaskStatusSucceeded, nil, 10))

	require.NoError(t, tasks.CreateExclusive(ctx, newTask("live", "p2", model.StageChunking)))

	deleted, err := tasks.DeleteFinishedBefore(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	_, err = tasks.Get(ctx, "old")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	_, err = tasks.Get(ctx, "live")
	require.NoError(t, err)
}
