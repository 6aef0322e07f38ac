package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-2xx gateway response.
type APIError struct {
	HTTPStatus int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("gateway returned HTTP %d", e.HTTPStatus)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.HTTPStatus, e.Message)
}

// Client talks to a running gateway.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 6 * time.Minute},
	}
}

// queryBody mirrors the gateway's POST /api/bigquery/query body.
type queryBody struct {
	Query      string                 `json:"query"`
	ProjectID  string                 `json:"project_id,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Timeout    float64                `json:"timeout,omitempty"`
	MaxResults int                    `json:"max_results,omitempty"`
	UseCache   *bool                  `json:"use_cache,omitempty"`
	DryRun     bool                   `json:"dry_run,omitempty"`
}

// queryResult mirrors the gateway's query response.
type queryResult struct {
	Rows           []map[string]interface{} `json:"rows"`
	Columns        []string                 `json:"columns"`
	Cached         bool                     `json:"cached"`
	Truncated      bool                     `json:"truncated"`
	TotalRows      int64                    `json:"total_rows"`
	ProjectID      string                   `json:"project_id"`
	JobID          string                   `json:"job_id,omitempty"`
	DryRun         bool                     `json:"dry_run,omitempty"`
	BytesProcessed int64                    `json:"bytes_processed"`
	ExecutionTime  float64                  `json:"execution_time"`
	CacheHit       bool                     `json:"cache_hit"`
}

// healthResult mirrors the gateway's health response.
type healthResult struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks,omitempty"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// Query runs a query through the gateway.
func (c *Client) Query(ctx context.Context, body queryBody) (*queryResult, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	var out queryResult
	if _, err := c.do(ctx, http.MethodPost, "/api/bigquery/query", bytes.NewReader(raw), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches the readiness report. A 503 is a valid report, not an error.
func (c *Client) Health(ctx context.Context) (*healthResult, int, error) {
	var out healthResult
	status, err := c.do(ctx, http.MethodGet, "/health/ready", nil, &out)
	if err != nil {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.HTTPStatus != http.StatusServiceUnavailable {
			return nil, status, err
		}
	}
	return &out, status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		var e struct {
			ErrorKind string `json:"errorKind"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Kind, apiErr.Message = e.ErrorKind, e.Message
		}
		// Health reports decode even when unready.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return resp.StatusCode, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
