package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Fetcher performs the network half of a strategy.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, r *http.Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	return f(ctx, r)
}

// OriginFetcher fetches from the origin that hosts the application shell.
type OriginFetcher struct {
	origin *url.URL
	client *http.Client
}

// NewOriginFetcher builds a fetcher for origin. A nil client gets a 30s timeout.
func NewOriginFetcher(origin *url.URL, client *http.Client) *OriginFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OriginFetcher{origin: origin, client: client}
}

// Origin returns the upstream base URL.
func (f *OriginFetcher) Origin() *url.URL {
	return f.origin
}

func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	target := f.Resolve(r.URL.Path, r.URL.RawQuery)
	upstream, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("offline: build upstream request: %w", err)
	}
	if r.Header != nil {
		upstream.Header = stripHopByHop(r.Header)
	}
	resp, err := f.client.Do(upstream)
	if err != nil {
		return nil, fmt.Errorf("offline: fetch %s: %w", target, err)
	}
	return ReadResponse(resp, target)
}

// Resolve joins a path and query onto the origin.
func (f *OriginFetcher) Resolve(path, rawQuery string) string {
	u := *f.origin
	u.Path = singleJoin(f.origin.Path, path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func singleJoin(base, p string) string {
	switch {
	case base == "" || base == "/":
		if p == "" {
			return "/"
		}
		return p
	case p == "" || p == "/":
		return base
	}
	if base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return base + p
}
