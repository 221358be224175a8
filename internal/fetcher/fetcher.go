// Package fetcher retrieves threat reports from the web as plain text for
// the workflow to analyze.
package fetcher

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Page is one fetched document.
type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	Source     string `json:"source"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Fetcher retrieves a URL as text.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, rawURL string) (*Page, error)
}

// Chain tries each fetcher in order and returns the first success.
type Chain struct {
	fetchers []Fetcher
}

// NewChain creates a Chain. Nil fetchers are skipped.
func NewChain(fetchers ...Fetcher) *Chain {
	c := &Chain{}
	for _, f := range fetchers {
		if f != nil {
			c.fetchers = append(c.fetchers, f)
		}
	}
	return c
}

// Name implements Fetcher.
func (c *Chain) Name() string { return "chain" }

// Fetch implements Fetcher.
func (c *Chain) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if len(c.fetchers) == 0 {
		return nil, eris.New("fetch: no fetchers configured")
	}

	var errs []string
	for _, f := range c.fetchers {
		page, err := f.Fetch(ctx, rawURL)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, eris.Wrapf(err, "fetch %s", rawURL)
		}
		zap.L().Warn("fetcher failed, trying next",
			zap.String("fetcher", f.Name()),
			zap.String("url", rawURL),
			zap.Error(err),
		)
		errs = append(errs, f.Name()+": "+err.Error())
	}
	return nil, eris.Errorf("fetch %s: all fetchers failed: %s", rawURL, strings.Join(errs, "; "))
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return eris.Wrapf(err, "fetch: invalid url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return eris.Errorf("fetch: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return eris.Errorf("fetch: url %q has no host", rawURL)
	}
	return nil
}
