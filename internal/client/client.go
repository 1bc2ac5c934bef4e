// Package client provides the rate-limited, retrying HTTP client used by
// work functions to talk to upstream market-data providers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultRPS        = 5
	DefaultBurst      = 1
	DefaultMaxRetries = 3
	DefaultBackoff    = 1 * time.Second
	DefaultTimeout    = 30 * time.Second
)

// retryableStatuses are upstream responses worth retrying with backoff.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// APIError wraps any upstream failure with the status code that caused it.
// Transport-level failures carry status 0.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream request failed: %s", e.Message)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

// Config holds client settings. Zero fields fall back to the package defaults.
type Config struct {
	BaseURL    string
	RPS        float64
	Burst      int
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
	// ListFields maps an endpoint path to the response field holding its
	// item list, for GetPaginated. Endpoints not listed fall back to the
	// first list-valued field in the response.
	ListFields map[string]string
}

// Client issues GET requests against a single upstream base URL, pacing them
// through a token bucket and retrying transient failures with exponential
// backoff. It is safe for concurrent use.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	listFields map[string]string
	logger     *slog.Logger
}

// New creates a client for the given upstream.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.RPS <= 0 {
		cfg.RPS = DefaultRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		base:       base,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		listFields: cfg.ListFields,
		logger:     logger,
	}, nil
}

// Get issues a rate-limited GET to path with the given query parameters.
// Retryable statuses (429, 5xx) and transport failures are retried up to
// MaxRetries times with exponential backoff (backoff * 2^attempt);
// anything else fails immediately. All failures surface as *APIError.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	var lastErr *APIError

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			c.logger.Debug("retrying upstream request",
				"path", path, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &APIError{Message: ctx.Err().Error()}
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &APIError{Message: err.Error()}
		}

		body, apiErr := c.doGet(ctx, path, params)
		if apiErr == nil {
			return body, nil
		}
		if !apiErr.retryable() {
			return nil, apiErr
		}
		lastErr = apiErr
	}

	lastErr.Message = fmt.Sprintf("max retries exceeded: %s", lastErr.Message)
	return nil, lastErr
}

func (e *APIError) retryable() bool {
	return e.Status == 0 || retryableStatuses[e.Status]
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values) (json.RawMessage, *APIError) {
	u := *c.base
	u.Path, _ = url.JoinPath(u.Path, path)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Message: truncate(string(body), 256)}
	}
	return body, nil
}

// cursorKey is the continuation token echoed between pages.
const cursorKey = "cursor"

// GetPaginated calls Get repeatedly, extracting the item list from each page
// and following the continuation cursor, until the cursor is absent or
// maxPages is reached. Items are returned in page order.
func (c *Client) GetPaginated(ctx context.Context, path string, params url.Values, maxPages int) ([]json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	} else {
		clone := url.Values{}
		for k, vs := range params {
			clone[k] = vs
		}
		params = clone
	}

	var items []json.RawMessage
	for page := 0; page < maxPages; page++ {
		body, err := c.Get(ctx, path, params)
		if err != nil {
			return nil, err
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, &APIError{Message: fmt.Sprintf("decode page: %v", err)}
		}

		pageItems, err := extractList(fields, c.listFields[path])
		if err != nil {
			return nil, err
		}
		items = append(items, pageItems...)

		var cursor string
		if raw, ok := fields[cursorKey]; ok {
			if err := json.Unmarshal(raw, &cursor); err != nil {
				return nil, &APIError{Message: fmt.Sprintf("decode cursor: %v", err)}
			}
		}
		if cursor == "" {
			break
		}
		params.Set(cursorKey, cursor)
	}
	return items, nil
}

// extractList pulls the item list out of a decoded page. When field is known
// it must be present; otherwise the first list-valued field wins.
func extractList(fields map[string]json.RawMessage, field string) ([]json.RawMessage, error) {
	if field != "" {
		raw, ok := fields[field]
		if !ok {
			return nil, &APIError{Message: fmt.Sprintf("page missing list field %q", field)}
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, &APIError{Message: fmt.Sprintf("field %q is not a list: %v", field, err)}
		}
		return list, nil
	}

	for name, raw := range fields {
		if name == cursorKey {
			continue
		}
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
	}
	return nil, &APIError{Message: "page has no list-valued field"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
