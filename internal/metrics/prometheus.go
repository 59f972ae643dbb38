package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec
	tlsUpgradesTotal  *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	graphCallsTotal    *prometheus.CounterVec
	graphCallDuration  *prometheus.HistogramVec

	queueDepth          prometheus.Gauge
	queueFlushesTotal   *prometheus.CounterVec
	reachabilityChanges *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_connections_total",
			Help: "Total number of connections opened, by protocol.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "m365proxy_connections_active",
			Help: "Number of currently active connections, by protocol.",
		}, []string{"protocol"}),
		tlsUpgradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_tls_upgrades_total",
			Help: "Total number of STARTTLS/STLS upgrades completed, by protocol.",
		}, []string{"protocol"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_auth_attempts_total",
			Help: "Total number of authentication attempts, by protocol and result.",
		}, []string{"protocol", "result"}),

		graphCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_graph_calls_total",
			Help: "Total number of Microsoft Graph calls, by operation and error class.",
		}, []string{"operation", "class"}),
		graphCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "m365proxy_graph_call_duration_seconds",
			Help:    "Latency of Microsoft Graph calls, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "m365proxy_queue_depth",
			Help: "Current number of messages pending in the outbound queue.",
		}),
		queueFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_queue_flushes_total",
			Help: "Total number of outbound queue flush attempts, by outcome.",
		}, []string{"outcome"}),
		reachabilityChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365proxy_reachability_transitions_total",
			Help: "Total number of reachability state transitions.",
		}, []string{"reachable"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsUpgradesTotal,
		c.authAttemptsTotal,
		c.graphCallsTotal,
		c.graphCallDuration,
		c.queueDepth,
		c.queueFlushesTotal,
		c.reachabilityChanges,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

func (c *PrometheusCollector) TLSUpgraded(protocol string) {
	c.tlsUpgradesTotal.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, result).Inc()
}

func (c *PrometheusCollector) GraphCallCompleted(operation, class string, durationSeconds float64) {
	c.graphCallsTotal.WithLabelValues(operation, class).Inc()
	c.graphCallDuration.WithLabelValues(operation).Observe(durationSeconds)
}

func (c *PrometheusCollector) QueueDepthObserved(depth int) {
	c.queueDepth.Set(float64(depth))
}

func (c *PrometheusCollector) QueueFlushCompleted(outcome string) {
	c.queueFlushesTotal.WithLabelValues(outcome).Inc()
}

func (c *PrometheusCollector) ReachabilityChanged(reachable bool) {
	label := "unreachable"
	if reachable {
		label = "reachable"
	}
	c.reachabilityChanges.WithLabelValues(label).Inc()
}
