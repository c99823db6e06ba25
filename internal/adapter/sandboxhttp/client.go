// Package sandboxhttp provides an HTTP client for the sandbox execution service.
package sandboxhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/agentrelay/internal/port/sandbox"
	"github.com/Strob0t/agentrelay/internal/resilience"
)

// StatusError is a non-2xx response from the sandbox service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sandbox API error %d: %s", e.Code, e.Body)
}

// Client talks to the sandbox service's task API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ sandbox.Runner = (*Client)(nil)

// NewClient creates a sandbox client. A zero timeout falls back to 30s.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
// Client errors (4xx) do not count against it.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	b.CountOnly(func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Code >= 500
		}
		return true
	})
	c.breaker = b
}

// SetHTTPClient replaces the underlying HTTP client, e.g. with an instrumented transport.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Start asks the sandbox service to run a task. Transport failures, 5xx
// responses and an open circuit come back as *sandbox.RetryableError.
func (c *Client) Start(ctx context.Context, req sandbox.StartRequest) (*sandbox.StartResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal start request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/tasks", body)
	if err != nil {
		return nil, fmt.Errorf("start task %s: %w", req.TaskID, classify(err))
	}

	var result sandbox.StartResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal start result: %w", err)
	}
	if result.SandboxID == "" {
		result.SandboxID = req.SandboxID
	}
	if result.SandboxID == "" {
		return nil, fmt.Errorf("start task %s: sandbox service returned no sandbox id", req.TaskID)
	}
	return &result, nil
}

// Health checks if the sandbox service is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err == nil, err
}

func classify(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests {
		return err
	}
	return &sandbox.RetryableError{Err: err}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return &StatusError{Code: resp.StatusCode, Body: string(data)}
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}
