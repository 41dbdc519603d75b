package model

const (
	ExtractionPending    = "pending"
	ExtractionProcessing = "processing"
	ExtractionCompleted  = "completed"
	ExtractionFailed     = "failed"
)

const (
	DocumentStateNormal     = "normal"
	DocumentStateSuperseded = "superseded"
)

// Document is one uploaded file. ContentHash is computed over the
// normalized extracted text, after extraction and before chunking.
// TextKey points at the extracted markdown in the file store.
type Document struct {
	ID               string
	ProjectID        string
	Filename         string
	ContentHash      string
	Size             int64
	Mtime            int64
	ExtractionStatus string
	State            string
	CanonicalID      string
	TextKey          string
	Ctime            int64
}
