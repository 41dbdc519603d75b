package service

import (
	"context"

	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/pipeline"
	"github.com/prism-kb/prism/internal/repo"
)

type PipelineService struct {
	orch  *pipeline.Orchestrator
	tasks *repo.TaskRepo
}

func NewPipelineService(orch *pipeline.Orchestrator, tasks *repo.TaskRepo) *PipelineService {
	return &PipelineService{orch: orch, tasks: tasks}
}

func (s *PipelineService) RunStage(ctx context.Context, projectID string, stage string, force bool) (*model.PipelineTask, error) {
	return s.orch.RunStage(ctx, projectID, stage, force)
}

func (s *PipelineService) TaskStatus(ctx context.Context, taskID string) (*model.PipelineTask, error) {
	return s.tasks.Get(ctx, taskID)
}

func (s *PipelineService) Cancel(ctx context.Context, taskID string) error {
	return s.orch.Cancel(ctx, taskID)
}
