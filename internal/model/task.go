package model

const (
	StageExtraction    = "extraction"
	StageDeduplication = "deduplication"
	StageChunking      = "chunking"
	StageEmbedding     = "embedding"
	StageIndexing      = "indexing"
)

// StageOrder lists the stages in data-dependency order.
var StageOrder = []string{
	StageExtraction,
	StageDeduplication,
	StageChunking,
	StageEmbedding,
	StageIndexing,
}

const (
	TaskStatusQueued             = "queued"
	TaskStatusRunning            = "running"
	TaskStatusSucceeded          = "succeeded"
	TaskStatusSucceededWithError = "succeeded_with_errors"
	TaskStatusFailed             = "failed"
	TaskStatusCancelled          = "cancelled"
)

// TaskError records one per-item failure inside a stage run.
type TaskError struct {
	Item    string `json:"item"`
	Message string `json:"message"`
}

// PipelineTask is one orchestration unit: one project, one stage.
// Transitions are driven only by the orchestrator; terminal states
// are never mutated again.
type PipelineTask struct {
	ID              string
	ProjectID       string
	Stage           string
	Status          string
	Processed       int
	Total           int
	Errors          []TaskError
	CancelRequested bool
	Force           bool
	Ctime           int64
	Mtime           int64
	StartedAt       int64
	EndedAt         int64
}

func IsTerminalStatus(status string) bool {
	switch status {
	case TaskStatusSucceeded, TaskStatusSucceededWithError, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// StageState records, per project and stage, the upstream output hash the
// stage consumed and the hash of what it produced. A mismatch between a
// stage's recorded input and the current upstream output marks the stage
// output as stale.
type StageState struct {
	ProjectID  string
	Stage      string
	InputHash  string
	OutputHash string
	Mtime      int64
}
