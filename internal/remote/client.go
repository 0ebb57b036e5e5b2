// Package remote provides the HTTP client for the master-data REST API and
// the legacy synchronization target.
//
// Collection endpoints are paginated with offset/limit parameters and return
// a body of the form {"items": [...], "total": n}. The client walks pages
// sequentially, paces requests to avoid overloading the remote system, and
// retries transient failures with a bounded, linearly growing delay.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPageSize is the limit parameter sent on collection requests.
	DefaultPageSize = 500

	// MaxAttempts is the per-request retry ceiling for transient failures.
	MaxAttempts = 3

	// RetryDelay is the base delay between attempts; the actual delay grows
	// linearly with the attempt number.
	RetryDelay = time.Second

	// DefaultPageDelay is the pause between consecutive page fetches.
	DefaultPageDelay = 200 * time.Millisecond

	// DefaultTimeout bounds a single HTTP request.
	DefaultTimeout = 30 * time.Second
)

// Record is a schemaless JSON document from the remote system.
type Record = map[string]any

// PageHandler receives one page of records. The offset is the index of the
// first item in the page; total is the collection size reported by the remote
// (0 until known). Returning an error aborts the walk.
type PageHandler func(items []Record, offset, total int) error

// Config holds client construction parameters.
type Config struct {
	// BaseURL is the API root, without a trailing slash.
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	PageSize  int
	PageDelay time.Duration

	// RetryDelay overrides the base retry delay (default RetryDelay).
	RetryDelay time.Duration

	// HTTPClient overrides the default client (used by tests).
	HTTPClient *http.Client

	// Logger for request activity (default: stderr logger).
	Logger *log.Logger
}

// Client talks to one remote API root.
type Client struct {
	baseURL  string
	token    string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
	retry    time.Duration
	logger   *log.Logger
}

// page is the wire shape of a collection response.
type page struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
}

// NewClient creates a client for the given API root.
func NewClient(config Config) *Client {
	if config.PageSize <= 0 {
		config.PageSize = DefaultPageSize
	}
	if config.PageDelay <= 0 {
		config.PageDelay = DefaultPageDelay
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = RetryDelay
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	return &Client{
		baseURL:  config.BaseURL,
		token:    config.Token,
		pageSize: config.PageSize,
		http:     config.HTTPClient,
		limiter:  rate.NewLimiter(rate.Every(config.PageDelay), 1),
		retry:    config.RetryDelay,
		logger:   config.Logger,
	}
}

// FetchAll walks every page of a collection endpoint, invoking handler after
// each page, and returns the number of items fetched.
//
// The walk stops when a page comes back empty, when the fetched count reaches
// the total reported by the remote, or when a page is shorter than the
// requested page size.
func (c *Client) FetchAll(ctx context.Context, endpoint string, handler PageHandler) (int, error) {
	offset := 0
	knownTotal := 0

	for {
		// Pace page requests; the first Wait is free.
		if err := c.limiter.Wait(ctx); err != nil {
			return offset, err
		}

		pg, err := c.fetchPage(ctx, endpoint, offset, c.pageSize)
		if err != nil {
			return offset, fmt.Errorf("failed to fetch %s at offset %d: %w", endpoint, offset, err)
		}

		if pg.Total > 0 {
			knownTotal = pg.Total
		}

		if len(pg.Items) == 0 {
			return offset, nil
		}

		if err := handler(pg.Items, offset, knownTotal); err != nil {
			return offset, err
		}

		offset += len(pg.Items)

		if knownTotal > 0 && offset >= knownTotal {
			return offset, nil
		}
		if len(pg.Items) < c.pageSize {
			return offset, nil
		}
	}
}

// FetchChildren fetches a nested sub-resource collection (one call per parent
// id, path built by the caller). A 404 means the parent simply has no
// children and yields an empty result instead of an error.
func (c *Client) FetchChildren(ctx context.Context, endpoint string) ([]Record, error) {
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	// Child endpoints may return a bare array or the usual page envelope.
	var items []Record
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}

	var pg page
	if err := json.Unmarshal(body, &pg); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return pg.Items, nil
}

// Create POSTs a new record to a collection endpoint.
func (c *Client) Create(ctx context.Context, endpoint string, payload Record) error {
	_, err := c.do(ctx, http.MethodPost, endpoint, payload)
	return err
}

// Update PUTs a record to endpoint/{id}.
func (c *Client) Update(ctx context.Context, endpoint, id string, payload Record) error {
	_, err := c.do(ctx, http.MethodPut, endpoint+"/"+url.PathEscape(id), payload)
	return err
}

// Delete removes endpoint/{id}. A 404 is treated as success (idempotent).
func (c *Client) Delete(ctx context.Context, endpoint, id string) error {
	_, err := c.do(ctx, http.MethodDelete, endpoint+"/"+url.PathEscape(id), nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// Ping verifies connectivity and credentials.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/ping", nil)
	return err
}

// fetchPage requests one page of a collection.
func (c *Client) fetchPage(ctx context.Context, endpoint string, offset, limit int) (*page, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var pg page
	if err := json.Unmarshal(body, &pg); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	return &pg, nil
}

// do executes one request with bounded retries for transient failures.
// Permanent failures propagate immediately.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		body, err := c.doOnce(ctx, method, endpoint, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return nil, err
		}
		if attempt == MaxAttempts {
			break
		}

		delay := time.Duration(attempt) * c.retry
		c.logger.Printf("Transient failure on %s %s (attempt %d/%d), retrying in %v: %v",
			method, endpoint, attempt, MaxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("exhausted %d attempts: %w", MaxAttempts, lastErr)
}

// doOnce executes a single HTTP request and classifies the response.
func (c *Client) doOnce(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Message:    errorMessage(body),
		}
	}

	return body, nil
}

// errorMessage extracts a human-readable message from an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
