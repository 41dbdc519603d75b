package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prism-kb/prism/internal/model"
	appErr "github.com/prism-kb/prism/internal/pkg/errors"
	"github.com/prism-kb/prism/internal/repo"
	"github.com/prism-kb/prism/internal/search"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const (
	notFoundAnswer  = "Information not found in the available documents."
	defaultTopK     = 10
	maxAttemptCount = 3
)

// exclusionPhrases mark a grounded answer that states the information
// is deliberately absent from the corpus, as opposed to merely missing.
var exclusionPhrases = []string{
	"explicitly excluded",
	"is excluded",
	"are excluded",
	"not required",
	"out of scope",
}

// QueryService runs the retrieval retry ladder: the literal question
// first, a simplified variant when nothing grounds, then a
// synonym-expanded variant. Every attempt lands in the activity log of
// the result regardless of outcome.
type QueryService struct {
	search      search.ISearch
	chunks      *repo.ChunkRepo
	docs        *repo.DocumentRepo
	indexPrefix string
	synonyms    map[string][]string
	cache       *expirable.LRU[string, *model.QueryResult]
}

func NewQueryService(sc search.ISearch, chunks *repo.ChunkRepo, docs *repo.DocumentRepo, indexPrefix string, synonyms map[string][]string, cacheSize int, cacheTTL time.Duration) *QueryService {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if cacheTTL <= 0 {
		cacheTTL = 2 * time.Hour
	}
	return &QueryService{
		search:      sc,
		chunks:      chunks,
		docs:        docs,
		indexPrefix: indexPrefix,
		synonyms:    synonyms,
		cache:       expirable.NewLRU[string, *model.QueryResult](cacheSize, nil, cacheTTL),
	}
}

// Query runs the retry ladder for one question. History carries prior
// conversation turns through to the retrieval service; answers for
// follow-up questions are not cached since the same question can mean
// something else under a different history.
func (s *QueryService) Query(ctx context.Context, projectID string, question string, history []string) (*model.QueryResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", appErr.ErrInput)
	}
	cacheKey := projectID + "\x00" + question
	if len(history) == 0 {
		if cached, ok := s.cache.Get(cacheKey); ok {
			return cached, nil
		}
	}

	logger := logutil.GetLogger(ctx).With(zap.String("project_id", projectID))
	index := s.indexPrefix + projectID

	var activity []model.QueryAttempt
	var grounded *search.RetrieveResult
	for _, variant := range s.ladder(question) {
		res, err := s.search.Retrieve(ctx, &search.RetrieveRequest{
			Index:   index,
			Query:   variant.query,
			History: history,
			TopK:    defaultTopK,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: retrieve: %v", appErr.ErrExternalService, err)
		}
		activity = append(activity, model.QueryAttempt{
			Variant:      variant.name,
			Query:        variant.query,
			PassageCount: len(res.Passages),
			Subqueries:   res.Subqueries,
		})
		logger.Debug("retrieval attempt",
			zap.String("variant", variant.name),
			zap.String("query", variant.query),
			zap.Int("passages", len(res.Passages)))
		if len(res.Passages) > 0 {
			grounded = res
			break
		}
	}

	result := &model.QueryResult{Activity: activity}
	if grounded == nil {
		result.Answer = notFoundAnswer
		result.Outcome = model.OutcomeNotFound
	} else {
		result.Answer = grounded.Answer
		result.Outcome = model.OutcomeAnswered
		if statesExclusion(grounded.Answer) {
			result.Outcome = model.OutcomeExcluded
		}
		result.Citations = s.buildCitations(ctx, projectID, grounded.Passages)
	}

	if len(history) == 0 {
		s.cache.Add(cacheKey, result)
	}
	logger.Info("query completed", zap.String("outcome", result.Outcome), zap.Int("attempts", len(activity)))
	return result, nil
}

type queryVariant struct {
	name  string
	query string
}

func (s *QueryService) ladder(question string) []queryVariant {
	variants := []queryVariant{{name: model.AttemptLiteral, query: question}}
	if simplified := simplifyQuery(question); simplified != question {
		variants = append(variants, queryVariant{name: model.AttemptSimplified, query: simplified})
	}
	if expanded := s.expandQuery(question); expanded != question {
		variants = append(variants, queryVariant{name: model.AttemptExpanded, query: expanded})
	}
	if len(variants) > maxAttemptCount {
		variants = variants[:maxAttemptCount]
	}
	return variants
}

// simplifyQuery broadens a question by dropping all-caps acronyms and
// digit-bearing jargon like voltage ratings or model numbers.
func simplifyQuery(question string) string {
	fields := strings.Fields(question)
	kept := make([]string, 0, len(fields))
	for _, field := range fields {
		if isAcronym(field) || containsDigit(field) {
			continue
		}
		kept = append(kept, field)
	}
	if len(kept) == 0 {
		return question
	}
	return strings.Join(kept, " ")
}

// expandQuery appends OR-joined synonym hints. Configured terms are
// matched case-insensitively against the question; without a match a
// generic broadening suffix is used.
func (s *QueryService) expandQuery(question string) string {
	lower := strings.ToLower(question)
	terms := make([]string, 0, len(s.synonyms))
	for term := range s.synonyms {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if !strings.Contains(lower, strings.ToLower(term)) {
			continue
		}
		syns := s.synonyms[term]
		if len(syns) == 0 {
			continue
		}
		return question + " OR " + strings.Join(syns, " OR ")
	}
	return question + " OR control OR monitoring OR system"
}

func (s *QueryService) buildCitations(ctx context.Context, projectID string, passages []search.Passage) []model.Citation {
	logger := logutil.GetLogger(ctx)
	seen := make(map[string]bool, len(passages))
	citations := make([]model.Citation, 0, len(passages))
	for _, passage := range passages {
		if passage.ChunkID == "" || seen[passage.ChunkID] {
			continue
		}
		seen[passage.ChunkID] = true
		citation := model.Citation{
			ChunkID:    passage.ChunkID,
			SourceFile: passage.SourceFile,
			Location:   passage.Location,
			Relevance:  passage.RerankerScore,
		}
		// Local records win over whatever the index returned.
		if chunk, err := s.chunks.Get(ctx, passage.ChunkID); err == nil {
			citation.Location = chunk.Location
			if doc, err := s.docs.Get(ctx, projectID, chunk.DocumentID); err == nil {
				citation.SourceFile = doc.Filename
			}
		} else if !appErr.IsNotFound(err) {
			logger.Warn("chunk lookup failed", zap.String("chunk_id", passage.ChunkID), zap.Error(err))
		}
		citations = append(citations, citation)
	}
	return citations
}

func statesExclusion(answer string) bool {
	lower := strings.ToLower(answer)
	for _, phrase := range exclusionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func isAcronym(token string) bool {
	trimmed := strings.TrimFunc(token, unicode.IsPunct)
	if len(trimmed) < 2 {
		return false
	}
	for _, r := range trimmed {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func containsDigit(token string) bool {
	for _, r := range token {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
