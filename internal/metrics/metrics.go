// Package metrics is the Prometheus registry exposed at /metrics, with
// counters and histograms covering the Request Handler, Key Manager, and
// Model Router (SPEC_FULL.md SUPPLEMENTED FEATURES).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric zgate exposes.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatencyMs *prometheus.HistogramVec
	CostUSDTotal     *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	GiveUpTotal      *prometheus.CounterVec

	PoolCooldownMs     prometheus.Gauge
	KeyCircuitOpen     *prometheus.GaugeVec
	ModelInFlight      *prometheus.GaugeVec
	ModelCooldownMs    *prometheus.GaugeVec
	AdmissionHoldTotal prometheus.Counter

	FailedRequestAttemptedModels prometheus.Histogram
	FailedRequestModelSwitches   prometheus.Histogram
}

// New creates and registers a fresh metrics registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zgate_requests_total",
			Help: "Total client requests handled, by model and outcome",
		}, []string{"model", "tier", "status"}),
		RequestLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zgate_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model", "tier"}),
		CostUSDTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zgate_cost_usd_total",
			Help: "Accumulated estimated USD cost",
		}, []string{"model"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zgate_retries_total",
			Help: "Total retry attempts, by reason",
		}, []string{"reason"}),
		GiveUpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zgate_give_up_total",
			Help: "Total requests that exhausted retries, by reason",
		}, []string{"reason"}),
		PoolCooldownMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zgate_pool_cooldown_remaining_ms",
			Help: "Remaining pool-wide rate-limit cooldown in milliseconds",
		}),
		KeyCircuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zgate_key_circuit_open",
			Help: "1 if the credential's circuit breaker is open, else 0",
		}, []string{"key_id"}),
		ModelInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zgate_model_in_flight",
			Help: "Current in-flight requests per model",
		}, []string{"model"}),
		ModelCooldownMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zgate_model_cooldown_remaining_ms",
			Help: "Remaining per-model cooldown in milliseconds",
		}, []string{"model"}),
		AdmissionHoldTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zgate_admission_hold_total",
			Help: "Total requests that slept through an admission hold",
		}),
		FailedRequestAttemptedModels: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zgate_failed_request_attempted_models",
			Help:    "Distinct models tried on requests that gave up",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
		FailedRequestModelSwitches: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zgate_failed_request_model_switches",
			Help:    "Model failovers taken on requests that gave up",
			Buckets: prometheus.LinearBuckets(0, 1, 6),
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatencyMs, m.CostUSDTotal, m.RetriesTotal, m.GiveUpTotal,
		m.PoolCooldownMs, m.KeyCircuitOpen, m.ModelInFlight, m.ModelCooldownMs, m.AdmissionHoldTotal,
		m.FailedRequestAttemptedModels, m.FailedRequestModelSwitches,
	)
	return m
}

// Handler exposes the registry over HTTP for a Prometheus scrape.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
