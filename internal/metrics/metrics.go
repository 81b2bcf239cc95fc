// Package metrics provides Prometheus metrics for the session daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	RefreshesTotal     *prometheus.CounterVec
	RefreshDuration    prometheus.Histogram
	HealthChecksTotal  *prometheus.CounterVec
	HealthCheckLatency prometheus.Histogram
	HealthScore        *prometheus.GaugeVec
	AccountsActive     prometheus.Gauge
	PoolSize           prometheus.Gauge
	PoolEvictionsTotal prometheus.Counter
	StoreErrorsTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_refreshes_total",
				Help: "Total session refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sessiond_refresh_duration_seconds",
				Help:    "Session refresh duration.",
				Buckets: prometheus.DefBuckets,
			},
		),
		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_health_checks_total",
				Help: "Total per-account health checks by result.",
			},
			[]string{"result"},
		),
		HealthCheckLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sessiond_health_check_latency_seconds",
				Help:    "Per-account health check latency.",
				Buckets: prometheus.DefBuckets,
			},
		),
		HealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sessiond_health_score",
				Help: "Client instance health score (0-100) per account.",
			},
			[]string{"account_id"},
		),
		AccountsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessiond_accounts_active",
				Help: "Number of accounts with a valid session.",
			},
		),
		PoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sessiond_pool_size",
				Help: "Number of live client instances in the pool.",
			},
		),
		PoolEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sessiond_pool_evictions_total",
				Help: "Total client instances evicted from the pool.",
			},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sessiond_store_errors_total",
				Help: "Total credential store errors by operation.",
			},
			[]string{"op"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RefreshesTotal)
	reg.MustRegister(m.RefreshDuration)
	reg.MustRegister(m.HealthChecksTotal)
	reg.MustRegister(m.HealthCheckLatency)
	reg.MustRegister(m.HealthScore)
	reg.MustRegister(m.AccountsActive)
	reg.MustRegister(m.PoolSize)
	reg.MustRegister(m.PoolEvictionsTotal)
	reg.MustRegister(m.StoreErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRefresh increments the refresh counter and observes its duration.
func (m *Metrics) RecordRefresh(outcome string, seconds float64) {
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
	m.RefreshDuration.Observe(seconds)
}

// RecordHealthCheck increments the health check counter and observes latency.
func (m *Metrics) RecordHealthCheck(result string, seconds float64) {
	m.HealthChecksTotal.WithLabelValues(result).Inc()
	m.HealthCheckLatency.Observe(seconds)
}
