package handler

import (
	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Documents *DocumentHandler
	Pipeline  *PipelineHandler
	Query     *QueryHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/projects/:project/documents", deps.Documents.Upload)
	api.GET("/projects/:project/documents", deps.Documents.List)

	api.POST("/projects/:project/stages/:stage/run", deps.Pipeline.RunStage)
	api.GET("/tasks/:id", deps.Pipeline.TaskStatus)
	api.POST("/tasks/:id/cancel", deps.Pipeline.Cancel)

	api.POST("/projects/:project/query", deps.Query.Query)
}
