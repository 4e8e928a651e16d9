package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"calplan/internal/model"
)

const (
	DefaultTimeout           = 15 * time.Second
	DefaultRequestsPerSecond = 5
)

// HTTPClient is the outbound client shared by all adapters. Every request
// waits for a token from a common rate limiter first.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient builds a client. Non-positive arguments select the defaults.
func NewHTTPClient(timeout time.Duration, requestsPerSecond int) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = DefaultRequestsPerSecond
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// Do sends req once the limiter admits it.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

// GetJSON issues an authenticated GET and decodes a 200 response into out.
// Failures are returned as *Error, wrapping ErrAuth or ErrCursorInvalid when
// the status calls for it.
func (c *HTTPClient) GetJSON(ctx context.Context, p model.Provider, url, accessToken string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Provider: p, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.Do(req)
	if err != nil {
		return &Error{Provider: p, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StatusError(p, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: p, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
