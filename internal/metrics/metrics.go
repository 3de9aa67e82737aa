// Package metrics exposes Prometheus counters for dispatch outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates dispatch instrumentation. A nil *Metrics is a valid
// no-op receiver so wiring stays optional.
type Metrics struct {
	registry *prometheus.Registry

	sent      *prometheus.CounterVec
	failed    *prometheus.CounterVec
	denied    *prometheus.CounterVec
	reclaimed *prometheus.CounterVec
	cycles    prometheus.Histogram
}

// New creates and registers all dispatch metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripsend",
			Name:      "emails_sent_total",
			Help:      "Emails accepted by the provider, per configuration.",
		}, []string{"config_id"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripsend",
			Name:      "emails_failed_total",
			Help:      "Failed send attempts, per configuration and failure kind.",
		}, []string{"config_id", "kind"}),
		denied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripsend",
			Name:      "quota_denied_total",
			Help:      "Reservations denied by quota, per configuration.",
		}, []string{"config_id"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dripsend",
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases reverted to pending, per configuration.",
		}, []string{"config_id"}),
		cycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dripsend",
			Name:      "dispatch_cycle_seconds",
			Help:      "Duration of one dispatch cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.sent, m.failed, m.denied, m.reclaimed, m.cycles)
	return m
}

func (m *Metrics) Sent(configID string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(configID).Inc()
}

func (m *Metrics) Failed(configID, kind string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(configID, kind).Inc()
}

func (m *Metrics) Denied(configID string) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(configID).Inc()
}

func (m *Metrics) Reclaimed(configID string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.WithLabelValues(configID).Add(float64(n))
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Observe(d.Seconds())
}

// Handler serves the metrics endpoint for the admin router.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
