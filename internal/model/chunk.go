package model

// Chunk is a token-bounded passage of one document. ID is derived from the
// document content hash and the sequence index, so re-chunking the same
// content always produces the same keys.
type Chunk struct {
	ID             string
	ProjectID      string
	DocumentID     string
	DocumentHash   string
	Seq            int
	Content        string
	Enriched       string
	Location       string
	Hierarchy      []string
	TokenCount     int
	EnrichedTokens int
}
