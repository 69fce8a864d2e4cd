package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("cache-first", FetchSourceCache, 200, 250*time.Millisecond)

	families := gather(t, rec, "linkshelf_worker_fetches_total", "linkshelf_worker_fetch_duration_seconds")

	counter := findMetric(t, families["linkshelf_worker_fetches_total"], map[string]string{
		"strategy":    "cache-first",
		"source":      "cache",
		"status_code": "200",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for worker fetches")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["linkshelf_worker_fetch_duration_seconds"], map[string]string{
		"strategy": "cache-first",
		"source":   "cache",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache("link-manager-static-v1", CacheOperationMatch, CacheHit, 10*time.Millisecond)
	rec.ObserveCache("link-manager-static-v1", CacheOperationPut, CacheStored, 5*time.Millisecond)

	families := gather(t, rec, "linkshelf_cache_operations_total", "linkshelf_cache_operation_duration_seconds")

	matchMetric := findMetric(t, families["linkshelf_cache_operations_total"], map[string]string{
		"cache":     "link-manager-static-v1",
		"operation": string(CacheOperationMatch),
		"result":    string(CacheHit),
	})
	if got := matchMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected match counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["linkshelf_cache_operation_duration_seconds"], map[string]string{
		"cache":     "link-manager-static-v1",
		"operation": string(CacheOperationPut),
		"result":    string(CacheStored),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache put latency")
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObservePersistAndUpdates(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObservePersist("links", PersistWritten)
	rec.ObservePersist("links", PersistSuppressed)
	rec.ObservePersist("links", PersistSuppressed)
	rec.ObserveUpdateCheck("available")

	families := gather(t, rec, "linkshelf_persist_writes_total", "linkshelf_update_checks_total")

	suppressed := findMetric(t, families["linkshelf_persist_writes_total"], map[string]string{
		"key":    "links",
		"result": string(PersistSuppressed),
	})
	if got := suppressed.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected suppressed counter 2, got %v", got)
	}
	checks := findMetric(t, families["linkshelf_update_checks_total"], map[string]string{"outcome": "available"})
	if got := checks.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected update check counter 1, got %v", got)
	}
}

func TestRecorderObserveAPIUnknownStatus(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveAPI(" ", 0, time.Millisecond)

	families := gather(t, rec, "linkshelf_api_requests_total")
	findMetric(t, families["linkshelf_api_requests_total"], map[string]string{
		"route":       "unknown",
		"status_code": "unknown",
	})
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveFetch("cache-first", FetchSourceCache, 200, time.Millisecond)
	rec.ObserveCache("c", CacheOperationPut, CacheStored, time.Millisecond)
	rec.ObservePersist("k", PersistWritten)
	rec.ObserveUpdateCheck("none")
	rec.ObserveAPI("r", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
