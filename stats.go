package moray

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is a point-in-time snapshot of a ConnectionPool's entries.
type PoolStats struct {
	TotalConns       int
	AvailConns       int
	DrainingConns    int
	FallbackConns    int
	OutstandingTotal int64
}

// ClientStats accumulates lifetime counters across all requests a Client
// has dispatched. Safe for concurrent access.
type ClientStats struct {
	RequestsStarted   uint64
	RequestsCompleted uint64
	RequestsFailed    uint64
}

// clientStatsCollector holds the atomic counters backing ClientStats.
type clientStatsCollector struct {
	started   uint64
	completed uint64
	failed    uint64
}

func (c *clientStatsCollector) recordStart() {
	atomic.AddUint64(&c.started, 1)
}

func (c *clientStatsCollector) recordComplete(err error) {
	atomic.AddUint64(&c.completed, 1)
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
	}
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		RequestsStarted:   atomic.LoadUint64(&c.started),
		RequestsCompleted: atomic.LoadUint64(&c.completed),
		RequestsFailed:    atomic.LoadUint64(&c.failed),
	}
}

// MetricsCollector adapts a ConnectionPool and a Client's lifetime
// counters to prometheus.Collector, generalizing stats.go's plain atomic
// counters to also export on scrape. The core never reads these metrics
// back; this is purely an observability sink driven by Config.Collector /
// Config.MetricLabels (both opaque, pass-through configuration).
type MetricsCollector struct {
	pool   *ConnectionPool
	client *clientStatsCollector
	labels prometheus.Labels

	totalConns       *prometheus.Desc
	availConns       *prometheus.Desc
	drainingConns    *prometheus.Desc
	fallbackConns    *prometheus.Desc
	outstandingTotal *prometheus.Desc
	requestsStarted  *prometheus.Desc
	requestsComplete *prometheus.Desc
	requestsFailed   *prometheus.Desc
}

// NewMetricsCollector builds a Collector over pool and the client's
// internal counters. labels become constant label pairs on every metric,
// mirroring Config.MetricLabels.
func NewMetricsCollector(pool *ConnectionPool, client *clientStatsCollector, labels map[string]string) *MetricsCollector {
	constLabels := prometheus.Labels(labels)
	ns := "moray"
	return &MetricsCollector{
		pool:   pool,
		client: client,
		labels: constLabels,
		totalConns:       prometheus.NewDesc(ns+"_pool_connections", "Total tracked connections, any state.", nil, constLabels),
		availConns:       prometheus.NewDesc(ns+"_pool_avail_connections", "Connections in AVAIL state.", nil, constLabels),
		drainingConns:    prometheus.NewDesc(ns+"_pool_draining_connections", "Connections in DRAIN state.", nil, constLabels),
		fallbackConns:    prometheus.NewDesc(ns+"_pool_fallback_connections", "Connections in FALLBACK state (0 or 1).", nil, constLabels),
		outstandingTotal: prometheus.NewDesc(ns+"_pool_outstanding_requests", "Sum of outstanding requests across all connections.", nil, constLabels),
		requestsStarted:  prometheus.NewDesc(ns+"_requests_started_total", "Requests allocated a connection.", nil, constLabels),
		requestsComplete: prometheus.NewDesc(ns+"_requests_completed_total", "Requests that reached a terminal event.", nil, constLabels),
		requestsFailed:   prometheus.NewDesc(ns+"_requests_failed_total", "Requests that completed with an error.", nil, constLabels),
	}
}

func (m *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.totalConns
	ch <- m.availConns
	ch <- m.drainingConns
	ch <- m.fallbackConns
	ch <- m.outstandingTotal
	ch <- m.requestsStarted
	ch <- m.requestsComplete
	ch <- m.requestsFailed
}

func (m *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ps := m.pool.snapshot()
	cs := m.client.snapshot()

	ch <- prometheus.MustNewConstMetric(m.totalConns, prometheus.GaugeValue, float64(ps.TotalConns))
	ch <- prometheus.MustNewConstMetric(m.availConns, prometheus.GaugeValue, float64(ps.AvailConns))
	ch <- prometheus.MustNewConstMetric(m.drainingConns, prometheus.GaugeValue, float64(ps.DrainingConns))
	ch <- prometheus.MustNewConstMetric(m.fallbackConns, prometheus.GaugeValue, float64(ps.FallbackConns))
	ch <- prometheus.MustNewConstMetric(m.outstandingTotal, prometheus.GaugeValue, float64(ps.OutstandingTotal))
	ch <- prometheus.MustNewConstMetric(m.requestsStarted, prometheus.CounterValue, float64(cs.RequestsStarted))
	ch <- prometheus.MustNewConstMetric(m.requestsComplete, prometheus.CounterValue, float64(cs.RequestsCompleted))
	ch <- prometheus.MustNewConstMetric(m.requestsFailed, prometheus.CounterValue, float64(cs.RequestsFailed))
}
