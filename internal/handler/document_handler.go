package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/pkg/errcode"
	"github.com/prism-kb/prism/internal/pkg/response"
	"github.com/prism-kb/prism/internal/service"
)

type DocumentHandler struct {
	docs          *service.DocumentService
	maxUploadSize int64
}

func NewDocumentHandler(docs *service.DocumentService, maxUploadSize int64) *DocumentHandler {
	return &DocumentHandler{docs: docs, maxUploadSize: maxUploadSize}
}

func (h *DocumentHandler) Upload(c *gin.Context) {
	projectID := c.Param("project")
	if projectID == "" {
		response.Error(c, errcode.ErrInvalid, "project required")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "file is required")
		return
	}
	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		response.Error(c, errcode.ErrInvalidFile, "file too large")
		return
	}
	opened, err := file.Open()
	if err != nil {
		response.Error(c, errcode.ErrInvalidFile, "failed to open file")
		return
	}
	defer opened.Close()

	doc, err := h.docs.Upload(c.Request.Context(), projectID, file.Filename, opened, file.Size)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, documentView(doc))
}

func (h *DocumentHandler) List(c *gin.Context) {
	projectID := c.Param("project")
	if projectID == "" {
		response.Error(c, errcode.ErrInvalid, "project required")
		return
	}
	docs, err := h.docs.List(c.Request.Context(), projectID)
	if err != nil {
		handleError(c, err)
		return
	}
	views := make([]gin.H, 0, len(docs))
	for i := range docs {
		views = append(views, documentView(&docs[i]))
	}
	response.Success(c, gin.H{"documents": views})
}

func documentView(doc *model.Document) gin.H {
	return gin.H{
		"id":                doc.ID,
		"filename":          doc.Filename,
		"size":              doc.Size,
		"mtime":             doc.Mtime,
		"extraction_status": doc.ExtractionStatus,
		"state":             doc.State,
		"canonical_id":      doc.CanonicalID,
		"content_hash":      doc.ContentHash,
	}
}
