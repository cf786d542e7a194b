package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Snippet is one retrieved knowledge fragment.
type Snippet struct {
	Source     string         `json:"source"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Citation attributes a snippet to its origin.
type Citation struct {
	Source string `json:"source"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Result is what callers receive. Degraded results carry empty snippets
// and a notice instead of an error.
type Result struct {
	Snippets  []Snippet  `json:"snippets"`
	Citations []Citation `json:"citations"`
	Notice    string     `json:"notice,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// Retriever is the external knowledge retrieval capability. It may be
// arbitrarily slow or unreliable; only the Manager calls it, and only
// through the circuit breaker.
type Retriever interface {
	Retrieve(ctx context.Context, query string, hints map[string]any) (*Result, error)
}

// HTTPRetriever posts retrieval requests to a knowledge endpoint.
type HTTPRetriever struct {
	client   *resty.Client
	endpoint string
}

// NewHTTPRetriever builds a retriever for the given endpoint URL.
func NewHTTPRetriever(endpoint string, timeout time.Duration) *HTTPRetriever {
	client := resty.New().SetTimeout(timeout)
	return &HTTPRetriever{client: client, endpoint: endpoint}
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, hints map[string]any) (*Result, error) {
	if r.endpoint == "" {
		return nil, fmt.Errorf("no retrieval endpoint configured")
	}

	var out Result
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"query": query, "hints": hints}).
		SetResult(&out).
		Post(r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("retrieval request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("retrieval endpoint returned %s", resp.Status())
	}
	return &out, nil
}
