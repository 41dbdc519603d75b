package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/prism-kb/prism/internal/filestore"
	"github.com/prism-kb/prism/internal/model"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Deduplicator hashes the normalized extracted text of every completed
// document and collapses identical content down to a single canonical
// record. The same inventory always produces the same output hash, so
// reruns are idempotent.
type Deduplicator struct {
	docs  *repo.DocumentRepo
	store filestore.Store
}

func NewDeduplicator(docs *repo.DocumentRepo, store filestore.Store) *Deduplicator {
	return &Deduplicator{docs: docs, store: store}
}

type DedupResult struct {
	Canonical     int
	Superseded    int
	InventoryHash string
	Errors        []model.TaskError
}

func (d *Deduplicator) Run(ctx context.Context, projectID string, onProgress func(processed, total int)) (*DedupResult, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("project_id", projectID))
	docs, err := d.docs.ListByExtractionStatus(ctx, projectID, []string{model.ExtractionCompleted})
	if err != nil {
		return nil, fmt.Errorf("list extracted documents: %w", err)
	}

	res := &DedupResult{}
	groups := make(map[string][]*model.Document)
	hashes := make(map[string]string)
	for i := range docs {
		doc := &docs[i]
		hash, err := d.hashDocument(ctx, doc)
		if err != nil {
			logger.Warn("document excluded from inventory", zap.String("document_id", doc.ID), zap.Error(err))
			res.Errors = append(res.Errors, model.TaskError{Item: doc.ID, Message: err.Error()})
			continue
		}
		if doc.ContentHash != hash {
			if err := d.docs.UpdateContentHash(ctx, doc.ID, hash); err != nil {
				return nil, fmt.Errorf("record content hash: %w", err)
			}
			doc.ContentHash = hash
		}
		groups[hash] = append(groups[hash], doc)
		hashes[doc.ID] = hash
		if onProgress != nil {
			onProgress(i+1, len(docs))
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	for hash, group := range groups {
		canonical := pickCanonical(group)
		if err := d.docs.MarkCanonical(ctx, canonical.ID); err != nil {
			return nil, fmt.Errorf("mark canonical: %w", err)
		}
		res.Canonical++
		for _, doc := range group {
			if doc.ID == canonical.ID {
				continue
			}
			if err := d.docs.MarkSuperseded(ctx, doc.ID, canonical.ID); err != nil {
				return nil, fmt.Errorf("mark superseded: %w", err)
			}
			delete(hashes, doc.ID)
			res.Superseded++
		}
		logger.Debug("hash group resolved", zap.String("hash", hash), zap.Int("members", len(group)), zap.String("canonical_id", canonical.ID))
	}

	res.InventoryHash = inventoryHash(hashes)
	logger.Info("deduplication completed",
		zap.Int("canonical", res.Canonical),
		zap.Int("superseded", res.Superseded),
		zap.Int("excluded", len(res.Errors)))
	return res, nil
}

func (d *Deduplicator) hashDocument(ctx context.Context, doc *model.Document) (string, error) {
	if doc.TextKey == "" {
		return "", fmt.Errorf("no extracted text recorded")
	}
	data, err := filestore.ReadAll(ctx, d.store, doc.TextKey)
	if err != nil {
		return "", fmt.Errorf("read extracted text: %w", err)
	}
	normalized := normalizeText(string(data))
	if normalized == "" {
		return "", fmt.Errorf("extracted text is empty")
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// normalizeText collapses all runs of whitespace so formatting-only
// differences do not defeat duplicate detection.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// pickCanonical keeps the newest copy; filename then id break mtime
// ties so reruns always pick the same survivor.
func pickCanonical(group []*model.Document) *model.Document {
	best := group[0]
	for _, doc := range group[1:] {
		switch {
		case doc.Mtime != best.Mtime:
			if doc.Mtime > best.Mtime {
				best = doc
			}
		case doc.Filename != best.Filename:
			if doc.Filename < best.Filename {
				best = doc
			}
		case doc.ID < best.ID:
			best = doc
		}
	}
	return best
}

// inventoryHash digests the sorted (document id, content hash) pairs of
// the canonical inventory. Downstream stages use it for staleness checks.
func inventoryHash(hashes map[string]string) string {
	ids := make([]string, 0, len(hashes))
	for id := range hashes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s=%s\n", id, hashes[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}
