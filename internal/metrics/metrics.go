package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache storage method being instrumented.
type CacheOperation string

const (
	// CacheOperationMatch records cache storage lookups.
	CacheOperationMatch CacheOperation = "match"
	// CacheOperationPut records cache storage writes.
	CacheOperationPut CacheOperation = "put"
	// CacheOperationDelete records generation deletions.
	CacheOperationDelete CacheOperation = "delete"
)

// CacheOutcome captures the result of a cache storage operation.
type CacheOutcome string

const (
	// CacheHit indicates a stored response was found.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates no stored response matched.
	CacheMiss CacheOutcome = "miss"
	// CacheStored indicates a response was written.
	CacheStored CacheOutcome = "stored"
	// CacheSkipped indicates a response was not eligible for storage.
	CacheSkipped CacheOutcome = "skipped"
	// CacheDeleted indicates a cache generation was removed.
	CacheDeleted CacheOutcome = "deleted"
	// CacheError indicates the operation failed.
	CacheError CacheOutcome = "error"
)

// FetchSource names where the worker obtained the response it served.
type FetchSource string

const (
	FetchSourceCache       FetchSource = "cache"
	FetchSourceNetwork     FetchSource = "network"
	FetchSourceOffline     FetchSource = "offline"
	FetchSourcePassthrough FetchSource = "passthrough"
)

// PersistOutcome captures what happened when a debounced slot flushed.
type PersistOutcome string

const (
	// PersistWritten indicates the serialized value reached the backend.
	PersistWritten PersistOutcome = "written"
	// PersistSuppressed indicates the write was suppressed because nothing changed.
	PersistSuppressed PersistOutcome = "suppressed"
	// PersistError indicates serialization or the backend failed.
	PersistError PersistOutcome = "error"
)

// Recorder publishes Prometheus metrics for worker, persistence and API activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	persistWrites *prometheus.CounterVec
	updateChecks  *prometheus.CounterVec

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkshelf",
		Subsystem: "worker",
		Name:      "fetches_total",
		Help:      "Requests handled by the offline worker.",
	}, []string{"strategy", "source", "status_code"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkshelf",
		Subsystem: "worker",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for requests handled by the offline worker.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"strategy", "source"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkshelf",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache storage operations executed by the worker.",
	}, []string{"cache", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkshelf",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache storage operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"cache", "operation", "result"})

	persistWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkshelf",
		Subsystem: "persist",
		Name:      "writes_total",
		Help:      "Debounced persistence flushes by slot key.",
	}, []string{"key", "result"})

	updateChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkshelf",
		Subsystem: "update",
		Name:      "checks_total",
		Help:      "Update checks performed by the detector.",
	}, []string{"outcome"})

	apiRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "linkshelf",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Requests served by the JSON API.",
	}, []string{"route", "status_code"})

	apiLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "linkshelf",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for JSON API requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"route"})

	reg.MustRegister(fetches, fetchLatency, cacheOperations, cacheLatency, persistWrites, updateChecks, apiRequests, apiLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetches:         fetches,
		fetchLatency:    fetchLatency,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
		persistWrites:   persistWrites,
		updateChecks:    updateChecks,
		apiRequests:     apiRequests,
		apiLatency:      apiLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records a request served by the offline worker.
func (r *Recorder) ObserveFetch(strategy string, source FetchSource, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(string(source))
	r.fetches.WithLabelValues(strategyLabel, sourceLabel, statusLabel(statusCode)).Inc()
	r.fetchLatency.WithLabelValues(strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache storage operation against a named cache.
func (r *Recorder) ObserveCache(cache string, operation CacheOperation, result CacheOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationMatch)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(CacheError)
	}
	cacheLabel := normalizeLabel(cache)
	r.cacheOperations.WithLabelValues(cacheLabel, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(cacheLabel, opLabel, resLabel).Observe(duration.Seconds())
}

// ObservePersist records a debounced slot flush.
func (r *Recorder) ObservePersist(key string, result PersistOutcome) {
	if r == nil {
		return
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(PersistError)
	}
	r.persistWrites.WithLabelValues(normalizeLabel(key), resLabel).Inc()
}

// ObserveUpdateCheck records the outcome of an update check.
func (r *Recorder) ObserveUpdateCheck(outcome string) {
	if r == nil {
		return
	}
	r.updateChecks.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveAPI records a completed JSON API request.
func (r *Recorder) ObserveAPI(route string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	r.apiRequests.WithLabelValues(routeLabel, statusLabel(statusCode)).Inc()
	r.apiLatency.WithLabelValues(routeLabel).Observe(duration.Seconds())
}

func statusLabel(statusCode int) string {
	if statusCode <= 0 {
		return "unknown"
	}
	return strconv.Itoa(statusCode)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
