// Package credentials obtains the short-lived token that authorizes one
// live session connection.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	arierrors "github.com/almuete/ari/errors"
	"github.com/almuete/ari/httputil"
)

const component = "credentials"

// maxTokenBody caps how much of the token response is read.
const maxTokenBody = 64 * 1024

// ErrEmptyToken is returned when the endpoint answers 2xx without a token.
var ErrEmptyToken = errors.New("token endpoint returned an empty token")

// Source yields a credential for one connection attempt.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// StaticSource always returns the same token.
type StaticSource string

// Fetch returns the token, or ErrEmptyToken when it is blank.
func (s StaticSource) Fetch(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", arierrors.New(component, "Fetch", ErrEmptyToken)
	}
	return string(s), nil
}

// Fetcher mints tokens by POSTing to a backend endpoint. The endpoint
// answers {"token": "..."} on success and {"error": "..."} on failure.
// Fetcher does not retry.
type Fetcher struct {
	endpoint string
	client   *http.Client
	header   http.Header
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeader adds a header to every token request.
func WithHeader(name, value string) Option {
	return func(f *Fetcher) {
		f.header.Add(name, value)
	}
}

// NewFetcher creates a Fetcher for endpoint.
func NewFetcher(endpoint string, opts ...Option) *Fetcher {
	f := &Fetcher{
		endpoint: endpoint,
		client:   httputil.NewHTTPClient(httputil.DefaultCredentialTimeout),
		header:   http.Header{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ Source = (*Fetcher)(nil)

type tokenResponse struct {
	Token string `json:"token"`
	Error string `json:"error"`
}

// Fetch requests a new token.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, http.NoBody)
	if err != nil {
		return "", arierrors.New(component, "Fetch", err)
	}
	req.Header.Set("Accept", "application/json")
	for name, values := range f.header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", arierrors.New(component, "Fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := httputil.ReadErrorMessage(resp)
		return "", arierrors.New(component, "Fetch", errors.New(msg)).WithStatusCode(resp.StatusCode)
	}

	var body tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTokenBody)).Decode(&body); err != nil {
		return "", arierrors.New(component, "Fetch", fmt.Errorf("decode token response: %w", err)).
			WithStatusCode(resp.StatusCode)
	}
	if body.Error != "" {
		return "", arierrors.New(component, "Fetch", errors.New(body.Error)).WithStatusCode(resp.StatusCode)
	}
	if strings.TrimSpace(body.Token) == "" {
		return "", arierrors.New(component, "Fetch", ErrEmptyToken).WithStatusCode(resp.StatusCode)
	}
	return body.Token, nil
}
