// Package rag queries the retrieval service over HTTP JSON. Failures are
// non-fatal to a chat turn: callers degrade to the non-RAG path.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/chatgate/chatgate/internal/llm"
)

// Document describes one retrieved source in the response metadata.
type Document struct {
	Source      string  `json:"source"`
	Confidence  float64 `json:"confidence"`
	ContentType string  `json:"content_type"`
}

// Metadata is the retrieval diagnostics block returned alongside content.
type Metadata struct {
	DataSource      string     `json:"data_source"`
	ProcessingMS    int64      `json:"processing_ms"`
	Documents       []Document `json:"documents"`
	TotalSearched   int        `json:"total_searched"`
	RetrievalMethod string     `json:"retrieval_method"`
}

// Result is the full response of a retrieval query.
type Result struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Client talks to the RAG service. Implements llm.Retriever.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxTries   uint
}

// NewClient creates a Client for the given endpoint, e.g.
// "http://rag.internal:9000". A non-positive timeout defaults to 20s.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxTries:   3,
	}
}

// Query posts the conversation to {endpoint}/query for a named data source.
// Transient failures (network, 5xx) are retried with exponential backoff;
// 4xx responses fail immediately.
func (c *Client) Query(ctx context.Context, user, dataSource string, messages []llm.Message) (string, map[string]any, error) {
	res, err := c.QueryResult(ctx, user, dataSource, messages)
	if err != nil {
		return "", nil, err
	}

	// Flatten metadata for the assistant-message metadata map.
	meta := map[string]any{
		"data_source":      res.Metadata.DataSource,
		"processing_ms":    res.Metadata.ProcessingMS,
		"total_searched":   res.Metadata.TotalSearched,
		"retrieval_method": res.Metadata.RetrievalMethod,
		"documents":        res.Metadata.Documents,
	}
	return res.Content, meta, nil
}

// QueryResult is Query with the typed response preserved.
func (c *Client) QueryResult(ctx context.Context, user, dataSource string, messages []llm.Message) (*Result, error) {
	payload, err := json.Marshal(map[string]any{
		"user":        user,
		"data_source": dataSource,
		"messages":    messages,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: marshal query: %w", err)
	}

	operation := func() (*Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/query", bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err // retryable
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("rag: %s returned %d", dataSource, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("rag: %s returned %d: %s", dataSource, resp.StatusCode, body))
		}

		var res Result
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("rag: decode response: %w", err))
		}
		return &res, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("rag: query %q: %w", dataSource, err)
	}
	return res, nil
}
