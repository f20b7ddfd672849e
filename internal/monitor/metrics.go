package monitor

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantdb/quantdb/internal/domain"
)

// Metrics holds all Prometheus instruments plus plain atomic counters
// mirroring the totals, because CacheStats needs to read them back and
// Prometheus counters are write-only from application code.
type Metrics struct {
	Requests        *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	UpstreamCalls   prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	Dropped         prometheus.Counter
	DBSizeBytes     prometheus.Gauge

	totalRequests atomic.Int64
	totalHits     atomic.Int64
	totalMisses   atomic.Int64
	totalUpstream atomic.Int64
}

// NewMetrics creates the instruments and registers them with the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Requests,
		m.CacheHits,
		m.CacheMisses,
		m.UpstreamCalls,
		m.RequestDuration,
		m.Dropped,
		m.DBSizeBytes,
	)
	return m
}

// NewMetricsWithRegistry registers on a private registry. Used by tests
// so repeated construction does not collide on the global registerer.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.Requests,
		m.CacheHits,
		m.CacheMisses,
		m.UpstreamCalls,
		m.RequestDuration,
		m.Dropped,
		m.DBSizeBytes,
	)
	return m
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantdb_requests_total",
				Help: "Total facade requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantdb_cache_hits_total",
				Help: "Requests served entirely from the local store",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantdb_cache_misses_total",
				Help: "Requests that needed at least one upstream call",
			},
		),
		UpstreamCalls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantdb_upstream_calls_total",
				Help: "Upstream adapter calls made on behalf of requests",
			},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantdb_request_duration_seconds",
				Help:    "Facade request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),
		Dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quantdb_monitor_dropped_total",
				Help: "Monitoring records dropped because the buffer was full",
			},
		),
		DBSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "quantdb_db_size_bytes",
				Help: "Cache database file size in bytes",
			},
		),
	}
}

// Observe updates all instruments for one request record.
func (m *Metrics) Observe(rec domain.RequestRecord) {
	m.Requests.WithLabelValues(rec.Endpoint, string(rec.Outcome)).Inc()
	m.RequestDuration.WithLabelValues(rec.Endpoint).Observe(float64(rec.TotalMS) / 1000)

	m.totalRequests.Add(1)
	if rec.CacheHit {
		m.CacheHits.Inc()
		m.totalHits.Add(1)
	} else {
		m.CacheMisses.Inc()
		m.totalMisses.Add(1)
	}
	if rec.UpstreamCalls > 0 {
		m.UpstreamCalls.Add(float64(rec.UpstreamCalls))
		m.totalUpstream.Add(int64(rec.UpstreamCalls))
	}
}

// Totals returns the running counters since process start.
func (m *Metrics) Totals() (requests, hits, misses, upstreamCalls int64) {
	return m.totalRequests.Load(), m.totalHits.Load(), m.totalMisses.Load(), m.totalUpstream.Load()
}
