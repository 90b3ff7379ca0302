// Package agents talks to sub-agent analyzers over HTTP.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/kensa/internal/model"
)

// maxResponseBytes caps an analyzer response body.
const maxResponseBytes = 1 << 20

// HTTPQuerier fetches an agent's result for a work item from an analyzer
// service: GET {base}/v1/agents/{code}/results?work_item_id=...&level=...
//
// The gateway owns timeouts; the client timeout only guards against a
// context that never ends.
type HTTPQuerier struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures an HTTPQuerier.
type Option func(*HTTPQuerier)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(q *HTTPQuerier) { q.httpClient = c }
}

// NewHTTPQuerier creates a querier for the analyzer at baseURL.
func NewHTTPQuerier(baseURL string, opts ...Option) *HTTPQuerier {
	q := &HTTPQuerier{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Query implements gateway.Querier.
func (q *HTTPQuerier) Query(ctx context.Context, code model.AgentCode, params model.QueryParams) (model.Payload, error) {
	v := url.Values{}
	v.Set("work_item_id", params.WorkItemID)
	if params.Level != 0 {
		v.Set("level", strconv.Itoa(int(params.Level)))
	}
	endpoint := q.baseURL + "/v1/agents/" + url.PathEscape(string(code)) + "/results?" + v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Payload{}, fmt.Errorf("agents: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if params.SessionID != "" {
		req.Header.Set("X-Kensa-Session-ID", params.SessionID)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return model.Payload{}, fmt.Errorf("agents: %s: send request: %w", code, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.Payload{}, fmt.Errorf("agents: %s: status %d: %s", code, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p model.Payload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&p); err != nil {
		return model.Payload{}, fmt.Errorf("agents: %s: decode response: %w", code, err)
	}
	return p, nil
}
