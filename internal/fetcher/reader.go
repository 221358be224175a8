package fetcher

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rulesmith/pkg/jina"
)

// ReaderFetcher renders pages through the Jina reader. It handles
// script-heavy and bot-protected sites the plain HTTP fetcher cannot.
type ReaderFetcher struct {
	client jina.Client
}

// NewReaderFetcher wraps a Jina reader client.
func NewReaderFetcher(client jina.Client) *ReaderFetcher {
	return &ReaderFetcher{client: client}
}

// Name implements Fetcher.
func (r *ReaderFetcher) Name() string { return "jina_reader" }

// Fetch implements Fetcher.
func (r *ReaderFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	resp, err := r.client.Read(ctx, rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "reader: fetch")
	}
	return &Page{
		URL:        rawURL,
		Title:      resp.Data.Title,
		Text:       resp.Data.Content,
		Source:     r.Name(),
		StatusCode: resp.Code,
	}, nil
}
