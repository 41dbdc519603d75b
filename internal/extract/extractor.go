package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Result carries the extracted markdown for one document. Partition
// markers (page, sheet and email-part headings) are preserved in Text
// so downstream chunking can split on them.
type Result struct {
	Text     string
	MimeType string
	Pages    int
}

// IExtractor turns raw uploaded bytes into structured markdown text.
type IExtractor interface {
	Extract(ctx context.Context, filename string, r io.Reader) (*Result, error)
}

type httpExtractor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type extractResponse struct {
	Markdown string `json:"markdown"`
	MimeType string `json:"mime_type"`
	Pages    int    `json:"pages"`
	Error    string `json:"error"`
}

// NewHTTPExtractor builds an extractor backed by a document-intelligence
// style HTTP service. The service accepts a multipart upload and responds
// with markdown.
func NewHTTPExtractor(endpoint string, apiKey string, timeout time.Duration) IExtractor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &httpExtractor{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *httpExtractor) Extract(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	if e.endpoint == "" {
		return nil, fmt.Errorf("extract endpoint not configured")
	}
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/extract", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("extract request failed: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("extract service error: %s", out.Error)
	}
	if strings.TrimSpace(out.Markdown) == "" {
		return nil, fmt.Errorf("extract service returned empty text for %s", filename)
	}
	return &Result{
		Text:     out.Markdown,
		MimeType: out.MimeType,
		Pages:    out.Pages,
	}, nil
}
