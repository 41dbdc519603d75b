package model

// ChunkEmbedding is the vector attached to one chunk, keyed by chunk id.
// Saving is an upsert, so retries never produce duplicates.
type ChunkEmbedding struct {
	ChunkID   string
	ProjectID string
	Embedding []float32
	Model     string
	Dims      int
	Mtime     int64
}
