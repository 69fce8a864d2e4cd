package offline

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/l0p7/linkshelf/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// cacheOperationCount reads linkshelf_cache_operations_total for one label set.
func cacheOperationCount(t *testing.T, rec *metrics.Recorder, cache string, op metrics.CacheOperation, result metrics.CacheOutcome) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "linkshelf_cache_operations_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["cache"] == cache && labels["operation"] == string(op) && labels["result"] == string(result) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRedundantWorkerCannotRecreateDeletedGenerations(t *testing.T) {
	ctx := context.Background()
	source := &releaseBox{release: Release{Version: "v1", Precache: []string{"/"}, OfflinePath: "/"}}
	network := newStubNetwork(map[string]string{"/": "shell", "/late.js": "late"})

	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*Response, error) {
		if r.URL.Path == "/late.js" {
			once.Do(func() { close(started) })
			<-unblock
		}
		return network.Fetch(ctx, r)
	})

	storage := NewMemoryStorage()
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	reg, err := NewRegistration(RegistrationOptions{
		Source:      source,
		Storage:     storage,
		Fetcher:     fetcher,
		CachePrefix: "link-manager",
		Metrics:     rec,
	})
	require.NoError(t, err)
	require.NoError(t, reg.Update(ctx))
	v1 := reg.Active()
	reg.Clients().Track("/")
	require.Equal(t, 1, reg.Clients().Claim(v1.ID()))

	done := make(chan Result, 1)
	go func() {
		done <- v1.Engine().Fetch(ctx, get("/late.js"), StrategyCacheFirst)
	}()
	<-started

	source.set(Release{Version: "v2", Precache: []string{"/"}, OfflinePath: "/"})
	require.NoError(t, reg.Update(ctx))
	require.True(t, reg.SkipWaiting(ctx))
	require.True(t, v1.Engine().Retired())

	current := []string{"link-manager-static-v2", "link-manager-offline-v2"}
	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, current, names)

	close(unblock)
	result := <-done
	require.Equal(t, http.StatusOK, result.Response.StatusCode)
	require.Equal(t, metrics.FetchSourceNetwork, result.Source)

	names, err = storage.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, current, names)

	require.Equal(t, 1.0, cacheOperationCount(t, rec, "link-manager-static-v1", metrics.CacheOperationDelete, metrics.CacheDeleted))
	require.Equal(t, 1.0, cacheOperationCount(t, rec, "link-manager-offline-v1", metrics.CacheOperationDelete, metrics.CacheDeleted))
	require.Equal(t, 1.0, cacheOperationCount(t, rec, "link-manager-static-v1", metrics.CacheOperationPut, metrics.CacheSkipped))
}

func TestRetiredEngineStillServesButNeverStores(t *testing.T) {
	f := newEngineFixture(t, map[string]string{"/app.js": "js"})
	f.engine.Retire()

	result := f.engine.Fetch(context.Background(), get("/app.js"), StrategyCacheFirst)
	require.Equal(t, http.StatusOK, result.Response.StatusCode)
	_, found := f.stored(t, PurposeStatic, "GET /app.js")
	require.False(t, found)

	names, err := f.storage.Keys(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestMatchRecordsEveryConsultedCacheByName(t *testing.T) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	f := newEngineFixture(t, map[string]string{"/feed": "fresh"}, func(o *EngineOptions) { o.Metrics = rec })
	ctx := context.Background()

	dynamic, err := f.storage.Open(ctx, f.gens.Name(PurposeDynamic))
	require.NoError(t, err)
	require.NoError(t, dynamic.Put(ctx, "GET /feed", &Response{StatusCode: http.StatusOK, Body: []byte("stale")}))

	result := f.engine.Fetch(ctx, get("/feed"), StrategyCacheFirst)
	require.Equal(t, "stale", string(result.Response.Body))

	require.Equal(t, 1.0, cacheOperationCount(t, rec, "test-static-v1", metrics.CacheOperationMatch, metrics.CacheMiss))
	require.Equal(t, 1.0, cacheOperationCount(t, rec, "test-dynamic-v1", metrics.CacheOperationMatch, metrics.CacheHit))
	require.Zero(t, cacheOperationCount(t, rec, "v1", metrics.CacheOperationMatch, metrics.CacheMiss))

	f.engine.Fetch(ctx, get("/other"), StrategyCacheFirst)
	require.Equal(t, 2.0, cacheOperationCount(t, rec, "test-static-v1", metrics.CacheOperationMatch, metrics.CacheMiss))
	require.Equal(t, 1.0, cacheOperationCount(t, rec, "test-offline-v1", metrics.CacheOperationMatch, metrics.CacheMiss))
}
