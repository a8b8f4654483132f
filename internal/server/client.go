package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// DefaultClientTimeout bounds each control request.
const DefaultClientTimeout = 10 * time.Second

// HTTPClient is the subset of *http.Client the Client uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the control API of a running 'chunkflow serve'.
type Client struct {
	baseURL string
	http    HTTPClient
}

// NewClient creates a Client for addr ("host:port" or a full URL).
// A nil httpClient uses one with DefaultClientTimeout.
func NewClient(addr string, httpClient HTTPClient) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), http: httpClient}
}

// Health reports whether a server answers on the address.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	return c.do(ctx, http.MethodGet, "/health", nil, &resp)
}

// Workers returns the live workers of the server's pool.
func (c *Client) Workers(ctx context.Context) (*WorkersResponse, error) {
	var resp WorkersResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Run submits specID to the server's pool.
func (c *Client) Run(ctx context.Context, specID string, priority int) (*RunResponse, error) {
	var resp RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/specs/"+specID+"/run", RunRequest{Priority: priority}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort stops specID on the server. It returns ErrNotFound when the server
// has no running or queued entry for it.
func (c *Client) Abort(ctx context.Context, specID string) error {
	var resp AbortResponse
	return c.do(ctx, http.MethodPost, "/api/v1/specs/"+specID+"/abort", nil, &resp)
}

// SetCapacity changes the server's worker limit.
func (c *Client) SetCapacity(ctx context.Context, n int) error {
	var resp CapacityRequest
	return c.do(ctx, http.MethodPut, "/api/v1/pool/capacity", CapacityRequest{MaxWorkers: n}, &resp)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %w", cferrors.ErrServerUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck // HTTP response body close

	if resp.StatusCode >= http.StatusBadRequest {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %s: %w", method, path, msg.Message, cferrors.ErrNotFound)
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", cferrors.ErrControlRequest, method, path, resp.StatusCode, msg.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
