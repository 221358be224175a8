// Package jina is a client for the Jina AI Reader, which renders a web page
// server-side and returns its main content as markdown.
package jina

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://r.jina.ai"

// Client defines the Jina AI Reader operations.
type Client interface {
	// Read fetches targetURL through the reader and returns its content.
	Read(ctx context.Context, targetURL string) (*ReadResponse, error)
}

// ReadResponse is the parsed Jina API response.
type ReadResponse struct {
	Code int      `json:"code"`
	Data ReadData `json:"data"`
}

// ReadData holds the content from Jina.
type ReadData struct {
	Title   string    `json:"title"`
	URL     string    `json:"url"`
	Content string    `json:"content"`
	Usage   ReadUsage `json:"usage"`
}

// ReadUsage tracks token consumption.
type ReadUsage struct {
	Tokens int `json:"tokens"`
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithBackoff sets the initial retry delay. It doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(c *httpClient) {
		c.backoff = d
	}
}

// WithRemoveSelector drops matching elements before conversion.
func WithRemoveSelector(selector string) Option {
	return func(c *httpClient) {
		c.removeSelector = selector
	}
}

type httpClient struct {
	apiKey         string
	baseURL        string
	removeSelector string
	backoff        time.Duration
	http           *http.Client
}

// NewClient creates a new Jina AI Reader client. The key is optional; the
// reader serves anonymous requests at a lower rate limit.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:         apiKey,
		baseURL:        defaultBaseURL,
		removeSelector: "nav, footer, header, aside, script, style",
		backoff:        time.Second,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// retryDo executes req with exponential backoff on transport errors and
// retryable statuses. It returns the final body and status.
func (c *httpClient) retryDo(ctx context.Context, req *http.Request) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := c.backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.http.Do(req.Clone(ctx))
		if err == nil {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				return nil, resp.StatusCode, eris.Wrap(readErr, "jina: read response body")
			}
			if !retryableStatusCode(resp.StatusCode) || attempt == maxAttempts {
				return body, resp.StatusCode, nil
			}
			lastErr = eris.Errorf("jina: status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, 0, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return nil, 0, lastErr
}

func (c *httpClient) Read(ctx context.Context, targetURL string) (*ReadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create request")
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Return-Format", "markdown")
	req.Header.Set("X-Retain-Images", "none")
	if c.removeSelector != "" {
		req.Header.Set("X-Remove-Selector", c.removeSelector)
	}

	body, statusCode, err := c.retryDo(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: request failed")
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("jina: unexpected status %d: %s", statusCode, truncate(body, 200))
	}

	var result ReadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal response")
	}
	if strings.TrimSpace(result.Data.Content) == "" {
		return nil, eris.Errorf("jina: empty content for %s", targetURL)
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
