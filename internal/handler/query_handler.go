package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/prism-kb/prism/internal/pkg/errcode"
	"github.com/prism-kb/prism/internal/pkg/response"
	"github.com/prism-kb/prism/internal/service"
)

type QueryHandler struct {
	query *service.QueryService
}

func NewQueryHandler(query *service.QueryService) *QueryHandler {
	return &QueryHandler{query: query}
}

type queryRequest struct {
	Question string   `json:"question"`
	History  []string `json:"history"`
}

func (h *QueryHandler) Query(c *gin.Context) {
	projectID := c.Param("project")
	if projectID == "" {
		response.Error(c, errcode.ErrInvalid, "project required")
		return
	}
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	result, err := h.query.Query(c.Request.Context(), projectID, req.Question, req.History)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, result)
}
