package crawler

import (
	"context"

	"github.com/go-scripts/consultcrawl/internal/fetch"
)

// Page is a loaded listing or detail page.
type Page struct {
	// URL is the final URL after redirects. Relative links resolve against it.
	URL  string
	Body []byte
}

// PageSource loads HTML pages for the walker.
type PageSource interface {
	Load(ctx context.Context, rawURL string) (*Page, error)
}

// HTTPSource loads pages with plain HTTP requests through the shared transport, so page
// loads are paced, robots-checked and retried like document downloads.
type HTTPSource struct {
	transport *fetch.Transport
}

// NewHTTPSource creates the default page source.
func NewHTTPSource(transport *fetch.Transport) *HTTPSource {
	return &HTTPSource{transport: transport}
}

// Load fetches rawURL.
func (s *HTTPSource) Load(ctx context.Context, rawURL string) (*Page, error) {
	body, res, err := s.transport.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return &Page{URL: res.FinalURL, Body: body}, nil
}
