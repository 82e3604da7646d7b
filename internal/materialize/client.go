// Package materialize hands accepted outlines to the host platform.
package materialize

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

	"github.com/ashureev/coursecraft/internal/domain"
)

// Result is what the host reports after creating the course.
type Result struct {
	Success    bool   `json:"success"`
	ID         string `json:"id,omitempty"`
	EditURL    string `json:"edit_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Materializer turns an outline into host content.
type Materializer interface {
	Materialize(ctx context.Context, sessionID string, outline *domain.Outline) (*Result, error)
}

type request struct {
	SessionID string          `json:"session_id"`
	Outline   *domain.Outline `json:"outline"`
}

// HTTPStatusError captures non-2xx responses from the host.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("materialize: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// ErrNotConfigured is returned when no host endpoint was set.
var ErrNotConfigured = errors.New("materialize: host endpoint is not configured")

// Client posts outlines to a host webhook.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// NewClient creates a webhook client for endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Materialize implements Materializer. A decoded body with success=false is
// returned as a Result, not an error.
func (c *Client) Materialize(ctx context.Context, sessionID string, outline *domain.Outline) (*Result, error) {
	if c.endpoint == "" {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(request{SessionID: sessionID, Outline: outline})
	if err != nil {
		return nil, fmt.Errorf("materialize: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("materialize: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("materialize: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("materialize: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: c.endpoint, Body: strings.TrimSpace(string(payload))}
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("materialize: decode response: %w", err)
	}
	return &result, nil
}
