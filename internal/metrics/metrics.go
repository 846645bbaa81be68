// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "geogate"

// unknownCountryLabel is the country_code label for unresolved addresses.
const unknownCountryLabel = "unknown"

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	Connections     *prometheus.CounterVec
	DialFailures    *prometheus.CounterVec
	BytesForwarded  *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	registry *prometheus.Registry
	started  time.Time
}

// New creates a Metrics instance with every metric registered on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	register(collectors.NewGoCollector(), registry)
	register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), registry)

	m := &Metrics{
		ActiveSessions: newGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of sessions currently forwarding bytes",
			},
			registry,
		),
		Connections: newCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Accepted connections by admission action, deciding rule and client country",
			},
			[]string{"action", "rule", "country_code"},
			registry,
		),
		DialFailures: newCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dial_failures_total",
				Help:      "Failed dials to the target by reason",
			},
			[]string{"reason"},
			registry,
		),
		BytesForwarded: newCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_forwarded_total",
				Help:      "Bytes forwarded by direction (upstream is client to target)",
			},
			[]string{"direction"},
			registry,
		),
		SessionDuration: newHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Lifetime of forwarding sessions",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			registry,
		),
		registry: registry,
		started:  time.Now(),
	}

	newGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the relay started",
		},
		func() float64 { return time.Since(m.started).Seconds() },
		registry,
	)

	return m
}

// ObserveAdmission counts one admission decision.
func (m *Metrics) ObserveAdmission(action, rule, countryCode string) {
	if countryCode == "" {
		countryCode = unknownCountryLabel
	}
	m.Connections.WithLabelValues(action, rule, countryCode).Inc()
}

// ObserveDialFailure counts a failed dial to the target.
func (m *Metrics) ObserveDialFailure(reason string) {
	m.DialFailures.WithLabelValues(reason).Inc()
}

// ObserveSession records the byte counts and duration of a finished session.
func (m *Metrics) ObserveSession(bytesUp, bytesDown int64, d time.Duration) {
	m.BytesForwarded.WithLabelValues("upstream").Add(float64(bytesUp))
	m.BytesForwarded.WithLabelValues("downstream").Add(float64(bytesDown))
	m.SessionDuration.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
