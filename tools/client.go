package tools

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

	"golang.org/x/time/rate"

	"github.com/almuete/ari/httputil"
)

// maxResponseBody caps collaborator responses.
const maxResponseBody = 8 * 1024 * 1024

// Collaborator posts a JSON body to a backend path and returns the decoded
// JSON response.
type Collaborator interface {
	Post(ctx context.Context, path string, body any) (any, error)
}

// Client is the HTTP Collaborator for the tool backend.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http = httputil.NewHTTPClient(d)
	}
}

// WithRateLimit caps requests per second across all tools. A non-positive
// rate disables limiting.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewHTTPClient(httputil.DefaultToolTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Collaborator = (*Client)(nil)

// Post sends body as JSON to path. Non-2xx responses, transport failures
// and malformed JSON return a *CollaboratorError.
func (c *Client) Post(ctx context.Context, path string, body any) (any, error) {
	fail := func(status int, msg string, err error) error {
		return &CollaboratorError{Path: path, StatusCode: status, Message: msg, Err: err}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fail(0, "", fmt.Errorf("rate limit: %w", err))
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fail(0, "", fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fail(0, "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fail(0, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := httputil.ReadErrorMessage(resp)
		return nil, fail(resp.StatusCode, msg, errors.New(msg))
	}

	var result any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(&result); err != nil {
		return nil, fail(resp.StatusCode, "", fmt.Errorf("malformed response: %w", err))
	}
	return result, nil
}
