// Package httputil provides shared HTTP client construction for the
// credential and tool collaborators. It centralizes timeout defaults and
// wraps every transport with OpenTelemetry instrumentation so trace context
// reaches the backend.
package httputil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Standard timeout defaults.
const (
	// DefaultCredentialTimeout bounds the token mint call made once per connect.
	DefaultCredentialTimeout = 10 * time.Second

	// DefaultToolTimeout bounds collaborator calls (geocode, places, directions, search).
	DefaultToolTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response body is read for the error message.
	maxErrorBody = 64 * 1024
)

// NewHTTPClient returns an *http.Client with the given timeout and an
// otelhttp-instrumented default transport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ErrorBody is the `{error}` envelope returned by the backend on failure.
type ErrorBody struct {
	Error string `json:"error"`
}

// ReadErrorMessage extracts a human-readable failure message from a non-2xx
// response: the `error` field when the body is the backend envelope, the
// raw body text otherwise, or the status text when the body is empty.
func ReadErrorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body ErrorBody
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	if len(data) > 0 {
		return string(data)
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
