package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.Record("segment:served", map[string]any{"bytes": 1000})
	m.Record("segment:served", map[string]any{"bytes": int64(500)})
	m.Record("stream:created", nil)

	if got := testutil.ToFloat64(m.eventsTotal.WithLabelValues("segment:served")); got != 2 {
		t.Errorf("segment:served events: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.eventsTotal.WithLabelValues("stream:created")); got != 1 {
		t.Errorf("stream:created events: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.segmentBytesTotal); got != 1500 {
		t.Errorf("segment bytes: got %v, want 1500", got)
	}
}

func TestMetrics_Handler_updatesGauges(t *testing.T) {
	m := New()
	h := m.Handler(func() {
		m.SetActiveStreams(7)
		m.SetListeners(3)
		m.SetCacheStats(CacheSnapshot{Hits: 10, Misses: 4, MemoryEntries: 2, DiskEntries: 5, DiskBytes: 2048})
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"audio_active_streams 7",
		"audio_abr_listeners 3",
		`audio_cache_lookups{result="hit"} 10`,
		`audio_cache_entries{tier="disk"} 5`,
		"audio_cache_disk_bytes 2048",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	mw := RequestMiddleware(m)
	ok := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	missing := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	missing.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "200")); got != 1 {
		t.Errorf("200 requests: got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal); got != 1 {
		t.Errorf("errors: got %v", got)
	}
}
