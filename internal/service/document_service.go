package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prism-kb/prism/internal/filestore"
	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type DocumentService struct {
	docs  *repo.DocumentRepo
	store filestore.Store
}

func NewDocumentService(docs *repo.DocumentRepo, store filestore.Store) *DocumentService {
	return &DocumentService{docs: docs, store: store}
}

// Upload registers a document and stores its raw bytes. Extraction is
// left to the pipeline; a re-upload of the same filename becomes a new
// record and deduplication later decides which copy survives.
func (s *DocumentService) Upload(ctx context.Context, projectID string, filename string, r io.Reader, size int64) (*model.Document, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", appErr.ErrInput)
	}
	now := time.Now().UnixMilli()
	doc := &model.Document{
		ID:               newID(),
		ProjectID:        projectID,
		Filename:         filename,
		Size:             size,
		Mtime:            now,
		ExtractionStatus: model.ExtractionPending,
		State:            model.DocumentStateNormal,
		Ctime:            now,
	}
	key := filestore.RawObjectKey(projectID, doc.ID, filename)
	if err := s.store.Save(ctx, key, r, size); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("document registered",
		zap.String("project_id", projectID),
		zap.String("document_id", doc.ID),
		zap.String("filename", filename),
		zap.Int64("size", size))
	return doc, nil
}

func (s *DocumentService) List(ctx context.Context, projectID string) ([]model.Document, error) {
	return s.docs.ListByProject(ctx, projectID)
}
