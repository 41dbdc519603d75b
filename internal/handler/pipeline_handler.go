package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/pkg/errcode"
	"github.com/prism-kb/prism/internal/pkg/response"
	"github.com/prism-kb/prism/internal/service"
)

type PipelineHandler struct {
	pipeline *service.PipelineService
}

func NewPipelineHandler(pipeline *service.PipelineService) *PipelineHandler {
	return &PipelineHandler{pipeline: pipeline}
}

func (h *PipelineHandler) RunStage(c *gin.Context) {
	projectID := c.Param("project")
	stage := c.Param("stage")
	if projectID == "" || stage == "" {
		response.Error(c, errcode.ErrInvalid, "project and stage required")
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))
	task, err := h.pipeline.RunStage(c.Request.Context(), projectID, stage, force)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"task_id": task.ID, "status": task.Status})
}

func (h *PipelineHandler) TaskStatus(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.Error(c, errcode.ErrInvalid, "task id required")
		return
	}
	task, err := h.pipeline.TaskStatus(c.Request.Context(), taskID)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, taskView(task))
}

func (h *PipelineHandler) Cancel(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.Error(c, errcode.ErrInvalid, "task id required")
		return
	}
	if err := h.pipeline.Cancel(c.Request.Context(), taskID); err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"ok": true})
}

func taskView(task *model.PipelineTask) gin.H {
	return gin.H{
		"id":               task.ID,
		"project_id":       task.ProjectID,
		"stage":            task.Stage,
		"status":           task.Status,
		"processed":        task.Processed,
		"total":            task.Total,
		"errors":           task.Errors,
		"cancel_requested": task.CancelRequested,
		"started_at":       task.StartedAt,
		"ended_at":         task.EndedAt,
	}
}
