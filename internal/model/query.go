package model

const (
	AttemptLiteral    = "literal"
	AttemptSimplified = "simplified"
	AttemptExpanded   = "expanded"
)

const (
	OutcomeAnswered = "answered"
	// OutcomeNotFound means every retry-ladder attempt returned zero
	// grounding passages. It is a valid answer state, not an error.
	OutcomeNotFound = "not_found"
	// OutcomeExcluded means the corpus explicitly states the information
	// is absent or out of scope, with a citation to back it.
	OutcomeExcluded = "explicitly_excluded"
)

// QueryAttempt is one rung of the retry ladder, recorded whether or not it
// contributed to the final answer.
type QueryAttempt struct {
	Variant      string   `json:"variant"`
	Query        string   `json:"query"`
	PassageCount int      `json:"passage_count"`
	Subqueries   []string `json:"subqueries,omitempty"`
}

// Citation points a grounded answer back at a source document.
type Citation struct {
	ChunkID    string  `json:"chunk_id"`
	SourceFile string  `json:"source_file"`
	Location   string  `json:"location,omitempty"`
	Relevance  float64 `json:"relevance"`
}

type QueryResult struct {
	Answer    string         `json:"answer"`
	Outcome   string         `json:"outcome"`
	Citations []Citation     `json:"citations"`
	Activity  []QueryAttempt `json:"activity"`
}
