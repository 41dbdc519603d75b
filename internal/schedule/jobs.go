package schedule

import (
	"context"
	"time"

	"github.com/prism-kb/prism/internal/pipeline"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// TaskCleanupJob prunes finished pipeline tasks past the retention
// window. Running and queued tasks are never touched.
type TaskCleanupJob struct {
	tasks     *repo.TaskRepo
	retention time.Duration
}

func NewTaskCleanupJob(tasks *repo.TaskRepo, retention time.Duration) *TaskCleanupJob {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &TaskCleanupJob{tasks: tasks, retention: retention}
}

func (j *TaskCleanupJob) Name() string {
	return "task_cleanup"
}

func (j *TaskCleanupJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention).UnixMilli()
	deleted, err := j.tasks.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logutil.GetLogger(ctx).Info("finished tasks pruned", zap.Int64("deleted", deleted))
	return nil
}

// EmbeddingResyncJob re-embeds chunks that lost their vector, e.g. after
// a crashed embedding run or a manual row cleanup. The processor skips
// everything that already holds an embedding, so the job is cheap when
// nothing is missing.
type EmbeddingResyncJob struct {
	docs       *repo.DocumentRepo
	embeddings *repo.EmbeddingRepo
	embed      *pipeline.EmbedProcessor
}

func NewEmbeddingResyncJob(docs *repo.DocumentRepo, embeddings *repo.EmbeddingRepo, embed *pipeline.EmbedProcessor) *EmbeddingResyncJob {
	return &EmbeddingResyncJob{docs: docs, embeddings: embeddings, embed: embed}
}

func (j *EmbeddingResyncJob) Name() string {
	return "embedding_resync"
}

func (j *EmbeddingResyncJob) Run(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	projects, err := j.docs.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, project := range projects {
		missing, err := j.embeddings.ListMissing(ctx, project, 1)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			continue
		}
		logger.Info("resyncing embeddings", zap.String("project_id", project))
		res, err := j.embed.Run(ctx, project, false, nil)
		if err != nil {
			logger.Error("embedding resync failed", zap.String("project_id", project), zap.Error(err))
			continue
		}
		logger.Info("embedding resync done",
			zap.String("project_id", project),
			zap.Int("embedded", res.Embedded),
			zap.Int("failed", len(res.Errors)))
	}
	return nil
}
