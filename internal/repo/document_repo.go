package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
)

var documentFields = []string{
	"id", "project_id", "filename", "content_hash", "size", "mtime",
	"extraction_status", "state", "canonical_id", "text_key", "ctime",
}

type DocumentRepo struct {
	db *sql.DB
}

func NewDocumentRepo(db *sql.DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func (r *DocumentRepo) Create(ctx context.Context, doc *model.Document) error {
	data := map[string]interface{}{
		"id":                doc.ID,
		"project_id":        doc.ProjectID,
		"filename":          doc.Filename,
		"content_hash":      doc.ContentHash,
		"size":              doc.Size,
		"mtime":             doc.Mtime,
		"extraction_status": doc.ExtractionStatus,
		"state":             doc.State,
		"canonical_id":      doc.CanonicalID,
		"text_key":          doc.TextKey,
		"ctime":             doc.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("documents", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *DocumentRepo) Get(ctx context.Context, projectID, docID string) (*model.Document, error) {
	where := map[string]interface{}{
		"id":         docID,
		"project_id": projectID,
	}
	sqlStr, args, err := builder.BuildSelect("documents", where, documentFields)
	if err != nil {
		return nil, err
	}
	row := r.db.QueryRowContext(ctx, sqlStr, args...)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	return doc, err
}

func (r *DocumentRepo) ListByProject(ctx context.Context, projectID string) ([]model.Document, error) {
	where := map[string]interface{}{
		"project_id": projectID,
		"_orderby":   "filename asc",
	}
	return r.list(ctx, where)
}

// ListCanonical returns the surviving records of the inventory: documents
// that completed extraction and were not superseded by deduplication.
func (r *DocumentRepo) ListCanonical(ctx context.Context, projectID string) ([]model.Document, error) {
	where := map[string]interface{}{
		"project_id":        projectID,
		"state":             model.DocumentStateNormal,
		"extraction_status": model.ExtractionCompleted,
		"_orderby":          "filename asc",
	}
	return r.list(ctx, where)
}

func (r *DocumentRepo) ListByExtractionStatus(ctx context.Context, projectID string, statuses []string) ([]model.Document, error) {
	where := map[string]interface{}{
		"project_id":           projectID,
		"extraction_status in": statuses,
		"_orderby":             "filename asc",
	}
	return r.list(ctx, where)
}

func (r *DocumentRepo) list(ctx context.Context, where map[string]interface{}) ([]model.Document, error) {
	sqlStr, args, err := builder.BuildSelect("documents", where, documentFields)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (r *DocumentRepo) ListProjects(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT project_id FROM documents ORDER BY project_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []string
	for rows.Next() {
		var project string
		if err := rows.Scan(&project); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// UpdateExtraction records the outcome of an extraction attempt. Size and
// mtime are upload-time identity and stay untouched; rewriting them would
// shift the upload set hash and the dedup survivor pick.
func (r *DocumentRepo) UpdateExtraction(ctx context.Context, docID, status, textKey string) error {
	const query = `
		UPDATE documents
		SET extraction_status = $1, text_key = $2
		WHERE id = $3
	`
	res, err := r.db.ExecContext(ctx, query, status, textKey, docID)
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

func (r *DocumentRepo) UpdateContentHash(ctx context.Context, docID, contentHash string) error {
	const query = `UPDATE documents SET content_hash = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, contentHash, docID)
	return err
}

// MarkCanonical resets a record to the surviving side of a hash group.
func (r *DocumentRepo) MarkCanonical(ctx context.Context, docID string) error {
	const query = `UPDATE documents SET state = $1, canonical_id = '' WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, model.DocumentStateNormal, docID)
	return err
}

// MarkSuperseded links a losing record to the canonical survivor. The record
// is kept for audit history, never deleted.
func (r *DocumentRepo) MarkSuperseded(ctx context.Context, docID, canonicalID string) error {
	const query = `UPDATE documents SET state = $1, canonical_id = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, query, model.DocumentStateSuperseded, canonicalID, docID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	var doc model.Document
	if err := row.Scan(
		&doc.ID,
		&doc.ProjectID,
		&doc.Filename,
		&doc.ContentHash,
		&doc.Size,
		&doc.Mtime,
		&doc.ExtractionStatus,
		&doc.State,
		&doc.CanonicalID,
		&doc.TextKey,
		&doc.Ctime,
	); err != nil {
		return nil, err
	}
	return &doc, nil
}
