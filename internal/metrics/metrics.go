// Package metrics exposes gate counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	issued        prometheus.Counter
	issueRejected *prometheus.CounterVec
	validations   *prometheus.CounterVec
	validateTime  prometheus.Histogram
	rateLimited   *prometheus.CounterVec
	ledgerEntries prometheus.Gauge
	buildInfo     *prometheus.GaugeVec
}

// New registers the gate metrics on a fresh registry.
func New(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "powgate_challenges_issued_total",
			Help: "Total number of issued challenge tokens",
		}),
		issueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powgate_issue_rejected_total",
			Help: "Issue requests refused, by reason",
		}, []string{"reason"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powgate_validations_total",
			Help: "Protected request validations by result",
		}, []string{"result"}),
		validateTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "powgate_validate_seconds",
			Help:    "Time spent validating proof headers",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "powgate_rate_limited_total",
			Help: "Requests refused by a rate limiter",
		}, []string{"limiter"}),
		ledgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "powgate_nonce_ledger_entries",
			Help: "Consumed nonces currently tracked in memory",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "powgate_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}
	m.registry.MustRegister(m.issued, m.issueRejected, m.validations, m.validateTime,
		m.rateLimited, m.ledgerEntries, m.buildInfo)
	m.buildInfo.WithLabelValues(version).Set(1)
	return m
}

func (m *Metrics) ChallengeIssued() {
	if m != nil {
		m.issued.Inc()
	}
}

func (m *Metrics) IssueRejected(reason string) {
	if m != nil {
		m.issueRejected.WithLabelValues(reason).Inc()
	}
}

// Validation records one validator outcome; result is "ok" or an error kind.
func (m *Metrics) Validation(result string, took time.Duration) {
	if m != nil {
		m.validations.WithLabelValues(result).Inc()
		m.validateTime.Observe(took.Seconds())
	}
}

func (m *Metrics) RateLimited(limiter string) {
	if m != nil {
		m.rateLimited.WithLabelValues(limiter).Inc()
	}
}

func (m *Metrics) LedgerEntries(n int) {
	if m != nil {
		m.ledgerEntries.Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
