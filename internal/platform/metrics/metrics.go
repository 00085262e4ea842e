package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the audio delivery engine.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	errorsTotal       prometheus.Counter
	eventsTotal       *prometheus.CounterVec
	segmentBytesTotal prometheus.Counter
	activeStreams     prometheus.Gauge
	listeners         prometheus.Gauge
	cacheLookups      *prometheus.GaugeVec
	cacheEntries      *prometheus.GaugeVec
	cacheDiskBytes    prometheus.Gauge
	cacheEvictions    prometheus.Gauge
}

// CacheSnapshot is the subset of cache counters exported on each scrape.
type CacheSnapshot struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	MemoryEntries int
	DiskEntries   int
	DiskBytes     int64
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_http_requests_total",
		Help: "Total number of HTTP requests received",
	}, []string{"method", "code"})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audio_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audio_events_total",
		Help: "Lifecycle events published by the engine, by type",
	}, []string{"type"})
	segmentBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audio_segment_bytes_total",
		Help: "Total bytes of audio segments served",
	})
	activeStreams := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audio_active_streams",
		Help: "Number of registered streams",
	})
	listeners := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audio_abr_listeners",
		Help: "Number of listeners tracked by the bitrate controller",
	})
	cacheLookups := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audio_cache_lookups",
		Help: "Cache lookups since start, by result",
	}, []string{"result"})
	cacheEntries := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audio_cache_entries",
		Help: "Entries held by each local cache tier",
	}, []string{"tier"})
	cacheDiskBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audio_cache_disk_bytes",
		Help: "Bytes held by the durable cache tier",
	})
	cacheEvictions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audio_cache_evictions",
		Help: "Entries evicted from the local tiers since start",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		eventsTotal,
		segmentBytesTotal,
		activeStreams,
		listeners,
		cacheLookups,
		cacheEntries,
		cacheDiskBytes,
		cacheEvictions,
	)

	return &Metrics{
		registry:          registry,
		requestsTotal:     requestsTotal,
		errorsTotal:       errorsTotal,
		eventsTotal:       eventsTotal,
		segmentBytesTotal: segmentBytesTotal,
		activeStreams:     activeStreams,
		listeners:         listeners,
		cacheLookups:      cacheLookups,
		cacheEntries:      cacheEntries,
		cacheDiskBytes:    cacheDiskBytes,
		cacheEvictions:    cacheEvictions,
	}
}

// IncRequests increments the request counter for the given method and status.
func (m *Metrics) IncRequests(method string, status int) {
	m.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Record implements events.Sink. Every event is counted by type; served
// segments also add their size to the byte counter.
func (m *Metrics) Record(eventType string, payload map[string]any) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
	if eventType != "segment:served" {
		return
	}
	switch n := payload["bytes"].(type) {
	case int:
		m.segmentBytesTotal.Add(float64(n))
	case int64:
		m.segmentBytesTotal.Add(float64(n))
	case float64:
		m.segmentBytesTotal.Add(n)
	}
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetListeners sets the tracked listeners gauge.
func (m *Metrics) SetListeners(n int) {
	m.listeners.Set(float64(n))
}

// SetCacheStats copies a cache snapshot into the cache gauges.
func (m *Metrics) SetCacheStats(s CacheSnapshot) {
	m.cacheLookups.WithLabelValues("hit").Set(float64(s.Hits))
	m.cacheLookups.WithLabelValues("miss").Set(float64(s.Misses))
	m.cacheEntries.WithLabelValues("memory").Set(float64(s.MemoryEntries))
	m.cacheEntries.WithLabelValues("disk").Set(float64(s.DiskEntries))
	m.cacheDiskBytes.Set(float64(s.DiskBytes))
	m.cacheEvictions.Set(float64(s.Evictions))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active streams).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
