package offline

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/linkshelf/internal/metrics"
)

// Cache is one named generation of request/response pairs.
type Cache interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// CacheStorage is the durable set of named caches shared by every worker
// version.
type CacheStorage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

// RequestKey derives the cache key for a request: method, path and query.
func RequestKey(r *http.Request) string {
	return KeyFor(r.Method, r.URL.Path, r.URL.RawQuery)
}

// KeyFor builds a cache key without a request value.
func KeyFor(method, path, rawQuery string) string {
	if method == "" {
		method = http.MethodGet
	}
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)
	if rawQuery != "" {
		b.WriteByte('?')
		b.WriteString(rawQuery)
	}
	return b.String()
}

// matchIn looks key up in each named cache in order and returns the first
// hit. Missing caches are skipped without being created. observe, when set,
// sees the outcome of every cache consulted.
func matchIn(ctx context.Context, storage CacheStorage, names []string, key string, observe func(string, metrics.CacheOutcome, time.Duration)) (*Response, string, error) {
	if observe == nil {
		observe = func(string, metrics.CacheOutcome, time.Duration) {}
	}
	for _, name := range names {
		start := time.Now()
		resp, found, err := matchOne(ctx, storage, name, key)
		switch {
		case err != nil:
			observe(name, metrics.CacheError, time.Since(start))
			return nil, "", err
		case found:
			observe(name, metrics.CacheHit, time.Since(start))
			return resp, name, nil
		default:
			observe(name, metrics.CacheMiss, time.Since(start))
		}
	}
	return nil, "", nil
}

func matchOne(ctx context.Context, storage CacheStorage, name, key string) (*Response, bool, error) {
	ok, err := storage.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	cache, err := storage.Open(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return cache.Match(ctx, key)
}
