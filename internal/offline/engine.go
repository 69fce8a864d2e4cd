package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/linkshelf/internal/logging"
	"github.com/l0p7/linkshelf/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	defaultOfflineBody    = "Offline: unable to reach the network"
	defaultRefreshTimeout = 10 * time.Second
	tracerName            = "github.com/l0p7/linkshelf/internal/offline"
)

var errNoCachedCopy = errors.New("offline: network failed and no cached copy")

// EngineOptions wires an Engine.
type EngineOptions struct {
	Storage     CacheStorage
	Generations Generations
	Fetcher     Fetcher
	Classifier  Classifier
	// OfflinePath is the document served when a navigation fails and has no
	// cached copy of its own.
	OfflinePath string
	// OfflineBody renders the 503 body. Nil uses a fixed message.
	OfflineBody    func(r *http.Request) []byte
	RefreshTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Tracer         trace.Tracer
}

// Result is what the engine served and where it came from.
type Result struct {
	Response *Response
	Strategy Strategy
	Source   metrics.FetchSource
}

// Engine applies caching strategies for one worker version.
type Engine struct {
	storage        CacheStorage
	gens           Generations
	fetcher        Fetcher
	classifier     Classifier
	offlinePath    string
	offlineBody    func(r *http.Request) []byte
	refreshTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder
	tracer         trace.Tracer

	refreshes singleflight.Group
	pending   sync.WaitGroup

	// lifecycle is held shared by writes and exclusively by Retire, so
	// once Retire returns no write of this engine is in flight.
	lifecycle sync.RWMutex
	retired   bool
}

// NewEngine fills unset options with defaults.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewDefaultClassifier(nil)
	}
	offlinePath := opts.OfflinePath
	if offlinePath == "" {
		offlinePath = "/"
	}
	refresh := opts.RefreshTimeout
	if refresh <= 0 {
		refresh = defaultRefreshTimeout
	}
	return &Engine{
		storage:        opts.Storage,
		gens:           opts.Generations,
		fetcher:        opts.Fetcher,
		classifier:     classifier,
		offlinePath:    offlinePath,
		offlineBody:    opts.OfflineBody,
		refreshTimeout: refresh,
		logger:         logger.With(slog.String("agent", "offline"), slog.String("version", opts.Generations.Version)),
		metrics:        opts.Metrics,
		tracer:         tracer,
	}
}

// Decide routes r using this engine's classifier.
func (e *Engine) Decide(r *http.Request) Decision {
	return Decide(r, e.classifier)
}

// Generations returns the cache names this engine reads and writes.
func (e *Engine) Generations() Generations {
	return e.gens
}

// Fetch serves r with strategy. It never fails: errors and panics become
// the offline response.
func (e *Engine) Fetch(ctx context.Context, r *http.Request, strategy Strategy) (result Result) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "offline.fetch", trace.WithAttributes(
		attribute.String("offline.strategy", string(strategy)),
		attribute.String("url.path", r.URL.Path),
	))
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("offline: strategy panic: %v", p)
			e.logger.ErrorContext(ctx, "strategy panicked", slog.String("path", r.URL.Path), slog.Any("panic", p))
			span.RecordError(err)
			result = e.unavailable(r, strategy)
		}
		span.SetAttributes(
			attribute.String("offline.source", string(result.Source)),
			attribute.Int("http.response.status_code", result.Response.StatusCode),
		)
		span.End()
		e.metrics.ObserveFetch(string(strategy), result.Source, result.Response.StatusCode, time.Since(start))
	}()

	key := RequestKey(r)
	var (
		resp   *Response
		source metrics.FetchSource
		err    error
	)
	switch strategy {
	case StrategyCacheFirst:
		resp, source, err = e.cacheFirst(ctx, r, key)
	case StrategyNetworkFirst:
		resp, source, err = e.networkFirst(ctx, r, key)
	default:
		strategy = StrategyStaleWhileRevalidate
		resp, source, err = e.staleWhileRevalidate(ctx, r, key)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "all strategies failed", slog.String("path", r.URL.Path), slog.String("strategy", string(strategy)), slog.Any("error", err))
		span.SetStatus(codes.Error, err.Error())
		return e.unavailable(r, strategy)
	}
	e.logger.DebugContext(ctx, "served", slog.String("path", r.URL.Path), slog.String("strategy", string(strategy)), slog.String("source", string(source)))
	return Result{Response: resp, Strategy: strategy, Source: source}
}

// Retire stops the engine from writing to its generations. Reads still
// work so requests already in flight complete. It waits for writes in
// progress to finish.
func (e *Engine) Retire() {
	e.lifecycle.Lock()
	e.retired = true
	e.lifecycle.Unlock()
}

// Retired reports whether Retire was called.
func (e *Engine) Retired() bool {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	return e.retired
}

// Wait blocks until background refreshes finish or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, key string) (*Response, metrics.FetchSource, error) {
	if cached := e.match(ctx, key); cached != nil {
		return cached, metrics.FetchSourceCache, nil
	}
	resp, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, "", err
	}
	e.put(ctx, PurposeStatic, key, resp)
	return resp, metrics.FetchSourceNetwork, nil
}

func (e *Engine) networkFirst(ctx context.Context, r *http.Request, key string) (*Response, metrics.FetchSource, error) {
	resp, err := e.fetcher.Fetch(ctx, r)
	if err == nil {
		e.put(ctx, PurposeDynamic, key, resp)
		return resp, metrics.FetchSourceNetwork, nil
	}
	e.logger.DebugContext(ctx, "network failed, trying cache", slog.String("path", r.URL.Path), slog.Any("error", err))
	if cached := e.match(ctx, key); cached != nil {
		return cached, metrics.FetchSourceCache, nil
	}
	if doc := e.offlineDocument(ctx); doc != nil {
		return doc, metrics.FetchSourceOffline, nil
	}
	return nil, "", errors.Join(errNoCachedCopy, err)
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, r *http.Request, key string) (*Response, metrics.FetchSource, error) {
	if cached := e.match(ctx, key); cached != nil {
		e.revalidate(ctx, r, key)
		return cached, metrics.FetchSourceCache, nil
	}
	resp, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return nil, "", err
	}
	e.put(ctx, PurposeDynamic, key, resp)
	return resp, metrics.FetchSourceNetwork, nil
}

// revalidate refreshes key in the background. Concurrent refreshes of the
// same key collapse into one upstream fetch.
func (e *Engine) revalidate(ctx context.Context, r *http.Request, key string) {
	detached := context.WithoutCancel(ctx)
	req := r.Clone(detached)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error("background refresh panicked", slog.String("key", key), slog.Any("panic", p))
			}
		}()
		_, _, _ = e.refreshes.Do(key, func() (any, error) {
			refreshCtx, cancel := context.WithTimeout(detached, e.refreshTimeout)
			defer cancel()
			resp, err := e.fetcher.Fetch(refreshCtx, req)
			if err != nil {
				e.logger.WarnContext(refreshCtx, "background refresh failed", slog.String("key", key), slog.Any("error", err))
				return nil, err
			}
			e.put(refreshCtx, PurposeDynamic, key, resp)
			return nil, nil
		})
	}()
}

// match searches the current generations. Storage errors count as a miss.
// Every cache consulted is recorded under its own name.
func (e *Engine) match(ctx context.Context, key string) *Response {
	resp, _, err := matchIn(ctx, e.storage, e.gens.Current(), key, e.observeMatch)
	if err != nil {
		e.logger.WarnContext(ctx, "cache match failed", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	return resp
}

func (e *Engine) observeMatch(name string, outcome metrics.CacheOutcome, took time.Duration) {
	e.metrics.ObserveCache(name, metrics.CacheOperationMatch, outcome, took)
}

func (e *Engine) offlineDocument(ctx context.Context) *Response {
	key := KeyFor(http.MethodGet, e.offlinePath, "")
	names := append([]string{e.gens.Name(PurposeOffline)}, e.gens.Current()...)
	resp, _, err := matchIn(ctx, e.storage, names, key, nil)
	if err != nil {
		e.logger.WarnContext(ctx, "offline document lookup failed", slog.Any("error", err))
		return nil
	}
	return resp
}

// put stores a clone of resp. Failures are logged and never surface. A
// retired engine skips the write so it cannot recreate a generation that
// activation deleted.
func (e *Engine) put(ctx context.Context, purpose Purpose, key string, resp *Response) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()

	name := e.gens.Name(purpose)
	start := time.Now()
	if e.retired {
		e.logger.DebugContext(ctx, "retired engine skipped cache write", slog.String("cache", name), slog.String("key", key))
		e.metrics.ObserveCache(name, metrics.CacheOperationPut, metrics.CacheSkipped, time.Since(start))
		return
	}
	if !resp.Storable() {
		e.metrics.ObserveCache(name, metrics.CacheOperationPut, metrics.CacheSkipped, time.Since(start))
		return
	}
	stored := resp.Clone()
	stored.StoredAt = time.Now().UTC()

	cache, err := e.storage.Open(ctx, name)
	if err == nil {
		err = cache.Put(ctx, key, stored)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "cache write failed", slog.String("cache", name), slog.String("key", key), slog.Any("error", err))
		e.metrics.ObserveCache(name, metrics.CacheOperationPut, metrics.CacheError, time.Since(start))
		return
	}
	e.metrics.ObserveCache(name, metrics.CacheOperationPut, metrics.CacheStored, time.Since(start))
}

func (e *Engine) unavailable(r *http.Request, strategy Strategy) Result {
	body := []byte(defaultOfflineBody)
	if e.offlineBody != nil {
		if rendered := e.renderOfflineBody(r); rendered != nil {
			body = rendered
		}
	}
	return Result{Response: offlineResponse(body), Strategy: strategy, Source: metrics.FetchSourceOffline}
}

func (e *Engine) renderOfflineBody(r *http.Request) (body []byte) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("offline body renderer panicked", slog.Any("panic", p))
			body = nil
		}
	}()
	return e.offlineBody(r)
}
