// Package metrics exposes Prometheus collectors for the audit scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal                 *prometheus.CounterVec
	scanDurationSeconds        *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	hostWaitSeconds            prometheus.Histogram

	snapshots = &snapshotCollector{}

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_audit_scans_total",
				Help: "Total number of scans, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		scanDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "site_audit_scan_duration_seconds",
				Help:    "Histogram of scanner execution time, labeled by mode.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"mode"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "site_audit_cache_lookups_total",
				Help: "Result cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 90},
			},
			[]string{"method", "route"},
		)

		hostWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "site_audit_host_wait_seconds",
				Help:    "Time local scans spent waiting on the per-host rate limit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		prometheus.MustRegister(snapshots)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScan counts one scanner invocation and its duration.
func ObserveScan(mode, outcome string, duration time.Duration) {
	scansTotal.WithLabelValues(mode, outcome).Inc()
	scanDurationSeconds.WithLabelValues(mode).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveHostWait records a per-host rate limit delay. The host is not a label to keep cardinality bounded.
func ObserveHostWait(_ string, waited time.Duration) {
	hostWaitSeconds.Observe(waited.Seconds())
}

// Recorder adapts the package-level collectors to the orchestrator's recorder interface.
type Recorder struct{}

// ObserveScan implements the orchestrator recorder.
func (Recorder) ObserveScan(mode, outcome string, duration time.Duration) {
	ObserveScan(mode, outcome, duration)
}

// ObserveCacheLookup implements the orchestrator recorder.
func (Recorder) ObserveCacheLookup(hit bool) {
	ObserveCacheLookup(hit)
}

// Snapshot is a point-in-time view of component state exported as gauges.
type Snapshot struct {
	PoolSize         int
	PoolInUse        int
	PoolWaiting      int
	PoolMax          int
	QueueQueued      int
	QueueProcessing  int
	QueueMax         int
	QueueAvgMs       float64
	RemoteQueued     int
	RemoteProcessing int
	RemoteMax        int
	CacheSize        int
	CacheHits        uint64
	CacheMisses      uint64
	CacheEvictions   uint64
}

// SetSnapshotSource installs the function polled on every scrape. Passing nil disables the gauges.
func SetSnapshotSource(fn func() Snapshot) {
	if fn == nil {
		snapshots.source.Store(nil)
		return
	}
	snapshots.source.Store(&fn)
}

type gauge struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Snapshot) float64
}

func newGauge(name, help string, value func(Snapshot) float64) gauge {
	return gauge{desc: prometheus.NewDesc(name, help, nil, nil), kind: prometheus.GaugeValue, value: value}
}

func newCounter(name, help string, value func(Snapshot) float64) gauge {
	return gauge{desc: prometheus.NewDesc(name, help, nil, nil), kind: prometheus.CounterValue, value: value}
}

var snapshotGauges = []gauge{
	newGauge("site_audit_pool_instances", "Browser instances currently held by the pool.",
		func(s Snapshot) float64 { return float64(s.PoolSize) }),
	newGauge("site_audit_pool_in_use", "Browser instances currently leased.",
		func(s Snapshot) float64 { return float64(s.PoolInUse) }),
	newGauge("site_audit_pool_waiting", "Callers blocked waiting for a browser.",
		func(s Snapshot) float64 { return float64(s.PoolWaiting) }),
	newGauge("site_audit_pool_max_instances", "Configured pool capacity.",
		func(s Snapshot) float64 { return float64(s.PoolMax) }),
	newGauge("site_audit_queue_queued", "Local scan jobs waiting for a slot.",
		func(s Snapshot) float64 { return float64(s.QueueQueued) }),
	newGauge("site_audit_queue_processing", "Local scan jobs currently running.",
		func(s Snapshot) float64 { return float64(s.QueueProcessing) }),
	newGauge("site_audit_queue_max_concurrency", "Local scan concurrency cap.",
		func(s Snapshot) float64 { return float64(s.QueueMax) }),
	newGauge("site_audit_queue_average_processing_ms", "Running average local job time in milliseconds.",
		func(s Snapshot) float64 { return s.QueueAvgMs }),
	newGauge("site_audit_remote_queued", "Remote scan tickets waiting for admission.",
		func(s Snapshot) float64 { return float64(s.RemoteQueued) }),
	newGauge("site_audit_remote_processing", "Remote scans in flight.",
		func(s Snapshot) float64 { return float64(s.RemoteProcessing) }),
	newGauge("site_audit_remote_max_concurrent", "Remote scan concurrency cap.",
		func(s Snapshot) float64 { return float64(s.RemoteMax) }),
	newGauge("site_audit_cache_entries", "Entries held by the result cache.",
		func(s Snapshot) float64 { return float64(s.CacheSize) }),
	newCounter("site_audit_cache_hits", "Result cache hits since the last clear.",
		func(s Snapshot) float64 { return float64(s.CacheHits) }),
	newCounter("site_audit_cache_misses", "Result cache misses since the last clear.",
		func(s Snapshot) float64 { return float64(s.CacheMisses) }),
	newCounter("site_audit_cache_evictions", "LRU evictions since the last clear.",
		func(s Snapshot) float64 { return float64(s.CacheEvictions) }),
}

type snapshotCollector struct {
	source atomic.Pointer[func() Snapshot]
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, g := range snapshotGauges {
		ch <- g.desc
	}
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	fn := c.source.Load()
	if fn == nil {
		return
	}
	s := (*fn)()
	for _, g := range snapshotGauges {
		ch <- prometheus.MustNewConstMetric(g.desc, g.kind, g.value(s))
	}
}
