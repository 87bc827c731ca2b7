package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/takewright/internal/review"
)

// Compile-time interface assertion.
var _ Store = (*RemoteClient)(nil)

const (
	defaultRemoteTimeout = 10 * time.Second
	maxRemoteBody        = 8 << 20
)

// RemoteOption is a functional option for [NewRemoteClient].
type RemoteOption func(*RemoteClient)

// WithHTTPClient replaces the HTTP client. Mostly useful in tests.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteClient) { r.httpClient = c }
}

// WithRemoteTimeout sets the per-request timeout. Defaults to 10 s.
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteClient) { r.httpClient.Timeout = d }
}

// RemoteClient talks to the remote pick store over HTTP:
// GET and PUT /v1/productions/{id}/picks with a bearer token.
// It is safe for concurrent use.
type RemoteClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRemoteClient creates a client for the store at baseURL.
func NewRemoteClient(baseURL, token string, opts ...RemoteOption) (*RemoteClient, error) {
	if baseURL == "" {
		return nil, errors.New("persist: remote URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("persist: remote URL: %w", err)
	}
	r := &RemoteClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultRemoteTimeout},
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *RemoteClient) endpoint(production string) string {
	return r.baseURL + "/v1/productions/" + url.PathEscape(production) + "/picks"
}

// Load implements [Store].
func (r *RemoteClient) Load(ctx context.Context, production string) ([]review.PickState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint(production), nil)
	if err != nil {
		return nil, fmt.Errorf("persist: build request: %w", err)
	}
	var c Collection
	if err := r.do(req, &c); err != nil {
		return nil, err
	}
	if len(c.States) == 0 {
		return nil, ErrNotFound
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("persist: remote returned invalid states: %w", err)
	}
	return c.States, nil
}

// Save implements [Store]. Only the given states are sent; the server
// upserts them per segment.
func (r *RemoteClient) Save(ctx context.Context, production string, states ...review.PickState) error {
	body, err := json.Marshal(Collection{Production: production, States: states, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("persist: encode collection: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.endpoint(production), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("persist: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, nil)
}

func (r *RemoteClient) do(req *http.Request, out any) error {
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("persist: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return fmt.Errorf("persist: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("persist: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("persist: decode response: %w", err)
	}
	return nil
}
