package filestore

import (
	"fmt"
	"path/filepath"
)

// RawObjectKey locates the original uploaded bytes of a document.
func RawObjectKey(projectID string, docID string, filename string) string {
	return fmt.Sprintf("projects/%s/raw/%s%s", projectID, docID, filepath.Ext(filename))
}

// TextObjectKey locates the extracted markdown of a document.
func TextObjectKey(projectID string, docID string) string {
	return fmt.Sprintf("projects/%s/text/%s.md", projectID, docID)
}
