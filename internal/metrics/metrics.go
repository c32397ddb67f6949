// Package metrics exposes fleet health over Prometheus: instance counts by
// observed status, lifecycle operation counters, and startup readiness
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxfleet instrument set bound to one registry.
type Metrics struct {
	registry *prometheus.Registry

	InstancesByStatus *prometheus.GaugeVec
	Starts            prometheus.Counter
	Stops             prometheus.Counter
	StartFailures     prometheus.Counter
	UnexpectedExits   prometheus.Counter
	ReadySeconds      prometheus.Histogram
}

// New creates the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		InstancesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "proxfleet",
			Name:      "instances",
			Help:      "Instances by observed status.",
		}, []string{"status"}),
		Starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxfleet",
			Name:      "starts_total",
			Help:      "Successful instance starts.",
		}),
		Stops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxfleet",
			Name:      "stops_total",
			Help:      "Successful instance stops.",
		}),
		StartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxfleet",
			Name:      "start_failures_total",
			Help:      "Instance starts that failed before readiness.",
		}),
		UnexpectedExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "proxfleet",
			Name:      "unexpected_exits_total",
			Help:      "Proxy processes that died without a stop request.",
		}),
		ReadySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "proxfleet",
			Name:      "ready_seconds",
			Help:      "Time from process spawn to listener readiness.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}

	reg.MustRegister(
		m.InstancesByStatus,
		m.Starts,
		m.Stops,
		m.StartFailures,
		m.UnexpectedExits,
		m.ReadySeconds,
	)
	return m
}

// SetStatusCounts replaces the instances-by-status gauge with a fresh census.
// Statuses absent from counts are zeroed so stale series do not linger.
func (m *Metrics) SetStatusCounts(counts map[string]int) {
	for _, status := range []string{"initializing", "running", "stopped", "error"} {
		m.InstancesByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// Handler returns the /metrics HTTP handler for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
