package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Passage is one retrieved chunk returned by the knowledge agent,
// carrying enough identity to rebuild a citation.
type Passage struct {
	ChunkID       string  `json:"chunk_id"`
	Content       string  `json:"content"`
	SourceFile    string  `json:"source_file"`
	Location      string  `json:"location"`
	RerankerScore float64 `json:"reranker_score"`
}

type RetrieveRequest struct {
	Index    string   `json:"index"`
	Query    string   `json:"query"`
	History  []string `json:"history,omitempty"`
	TopK     int      `json:"top_k"`
	MinScore float64  `json:"min_score,omitempty"`
}

type RetrieveResult struct {
	Answer     string    `json:"answer"`
	Passages   []Passage `json:"passages"`
	Subqueries []string  `json:"subqueries"`
}

// IndexDocument is the flattened chunk form pushed into the search index.
type IndexDocument struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	DocumentID string    `json:"document_id"`
	SourceFile string    `json:"source_file"`
	Location   string    `json:"location"`
	Content    string    `json:"content"`
	Vector     []float32 `json:"vector,omitempty"`
}

// ISearch wraps the external retrieval service: query-time passage
// retrieval plus index-time document upload.
type ISearch interface {
	Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResult, error)
	Upload(ctx context.Context, index string, docs []IndexDocument) error
	DeleteByDocument(ctx context.Context, index string, documentID string) error
}

type httpSearch struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func New(endpoint string, apiKey string, timeout time.Duration) ISearch {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpSearch{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *httpSearch) do(ctx context.Context, path string, in interface{}, out interface{}) error {
	if s.endpoint == "" {
		return fmt.Errorf("search endpoint not configured")
	}
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("search request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *httpSearch) Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResult, error) {
	res := &RetrieveResult{}
	if err := s.do(ctx, "/retrieve", req, res); err != nil {
		return nil, err
	}
	return res, nil
}

type uploadRequest struct {
	Index     string          `json:"index"`
	Documents []IndexDocument `json:"documents"`
}

func (s *httpSearch) Upload(ctx context.Context, index string, docs []IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}
	return s.do(ctx, "/index/upload", &uploadRequest{Index: index, Documents: docs}, nil)
}

type deleteRequest struct {
	Index      string `json:"index"`
	DocumentID string `json:"document_id"`
}

func (s *httpSearch) DeleteByDocument(ctx context.Context, index string, documentID string) error {
	return s.do(ctx, "/index/delete", &deleteRequest{Index: index, DocumentID: documentID}, nil)
}
