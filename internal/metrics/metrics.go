// Package metrics exposes Prometheus metrics for the mining subsystem:
// stratum connections/shares/blocks, broker job cadence, and the two
// mining cores' throughput (hashrate, best merit).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector this process registers.
type Metrics struct {
	ConnectionsTotal    prometheus.Counter
	ConnectionsCurrent  prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec

	SharesTotal   *prometheus.CounterVec // status: accepted, rejected
	SharesLatency prometheus.Histogram

	BlocksFound prometheus.Counter

	JobsTotal  prometheus.Counter
	JobsActive prometheus.Gauge

	HashEngineHashrate prometheus.Gauge
	SieveBestMerit     prometheus.Gauge
	SolutionsFound     *prometheus.CounterVec // path: hash, gap

	VardiffRetargets prometheus.Counter

	RPCRequests *prometheus.CounterVec
	RPCLatency  *prometheus.HistogramVec
	RPCErrors   prometheus.Counter

	RateLimited prometheus.Counter

	registry *prometheus.Registry
}

// New constructs a Metrics instance and registers every collector
// against a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "emberminer"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "connections_total",
		Help: "Total number of stratum client connections accepted",
	})
	m.ConnectionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "connections_current",
		Help: "Current number of connected stratum clients",
	})
	m.ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "connections_rejected_total",
		Help: "Total rejected connections by reason",
	}, []string{"reason"})

	m.SharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "shares_total",
		Help: "Total shares submitted by outcome",
	}, []string{"status"})
	m.SharesLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "share_validation_latency_seconds",
		Help:    "validate_and_submit_share latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.BlocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "blocks_found_total",
		Help: "Total blocks submitted and accepted by the node",
	})

	m.JobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "jobs_total",
		Help: "Total jobs produced by the job broker",
	})
	m.JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "jobs_active",
		Help: "Jobs currently retained in the broker's bounded history",
	})

	m.HashEngineHashrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "hash_engine_hashrate",
		Help: "Current hash engine throughput in H/s",
	})
	m.SieveBestMerit = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sieve_best_merit",
		Help: "Best prime-gap merit observed by the sieve engine this session",
	})
	m.SolutionsFound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "solutions_found_total",
		Help: "Total solutions found by the miner driver, by path",
	}, []string{"path"})

	m.VardiffRetargets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "vardiff_retargets_total",
		Help: "Total per-client vardiff retargeting events",
	})

	m.RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "rpc_requests_total",
		Help: "Total RPC requests to the external node, by method",
	}, []string{"method"})
	m.RPCLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "rpc_latency_seconds",
		Help:    "RPC request latency by method",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method"})
	m.RPCErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rpc_errors_total",
		Help: "Total RPC errors from the external node client",
	})

	m.RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "api_rate_limited_total",
		Help: "Total API requests rejected by the rate limiter",
	})

	m.registry.MustRegister(
		m.ConnectionsTotal, m.ConnectionsCurrent, m.ConnectionsRejected,
		m.SharesTotal, m.SharesLatency,
		m.BlocksFound,
		m.JobsTotal, m.JobsActive,
		m.HashEngineHashrate, m.SieveBestMerit, m.SolutionsFound,
		m.VardiffRetargets,
		m.RPCRequests, m.RPCLatency, m.RPCErrors,
		m.RateLimited,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, for tests that
// want to assert on collected values directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordShare records a share's validation outcome and latency.
func (m *Metrics) RecordShare(accepted bool, latencySeconds float64) {
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	m.SharesTotal.WithLabelValues(status).Inc()
	m.SharesLatency.Observe(latencySeconds)
}

// RecordConnection records a connection accept/reject event.
func (m *Metrics) RecordConnection(accepted bool, rejectReason string) {
	m.ConnectionsTotal.Inc()
	if accepted {
		m.ConnectionsCurrent.Inc()
	} else {
		m.ConnectionsRejected.WithLabelValues(rejectReason).Inc()
	}
}

// RecordDisconnection records a client disconnect.
func (m *Metrics) RecordDisconnection() {
	m.ConnectionsCurrent.Dec()
}

// RecordSolution records a miner-driver solution for the given path
// ("hash" or "gap").
func (m *Metrics) RecordSolution(path string) {
	m.SolutionsFound.WithLabelValues(path).Inc()
}

// RecordRPC records an external-node RPC call.
func (m *Metrics) RecordRPC(method string, latencySeconds float64, err error) {
	m.RPCRequests.WithLabelValues(method).Inc()
	m.RPCLatency.WithLabelValues(method).Observe(latencySeconds)
	if err != nil {
		m.RPCErrors.Inc()
	}
}

// RecordJob records a new job produced by the broker and the current
// size of its retained history.
func (m *Metrics) RecordJob(activeCount int) {
	m.JobsTotal.Inc()
	m.JobsActive.Set(float64(activeCount))
}

// RecordVardiffRetarget records a per-client vardiff retargeting event.
func (m *Metrics) RecordVardiffRetarget() {
	m.VardiffRetargets.Inc()
}

// RecordBlockFound records a block accepted by the external node.
func (m *Metrics) RecordBlockFound() {
	m.BlocksFound.Inc()
}

// RecordRateLimited records an API request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.RateLimited.Inc()
}

// SetHashEngineHashrate publishes the hash engine's current throughput.
func (m *Metrics) SetHashEngineHashrate(hps float64) {
	m.HashEngineHashrate.Set(hps)
}

// SetSieveBestMerit publishes the sieve engine's best merit this session.
func (m *Metrics) SetSieveBestMerit(merit float64) {
	m.SieveBestMerit.Set(merit)
}
