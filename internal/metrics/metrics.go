package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Obol service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Billing metrics.
	BillingRequestsTotal       *prometheus.CounterVec
	InsufficientBalanceTotal   prometheus.Counter
	ProviderFailuresTotal      *prometheus.CounterVec
	PartialDeliveryBilledTotal *prometheus.CounterVec
	UsageFallbacksTotal        *prometheus.CounterVec

	// Reconciliation metrics.
	ReconciliationsTotal *prometheus.CounterVec
	StalePendingGauge    prometheus.Gauge
	SweepDuration        prometheus.Histogram

	// Rate limiting metrics.
	RateLimitRejectionsTotal prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obol_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		HTTPRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obol_http_request_size_bytes",
			Help:    "HTTP request size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "obol_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"kind", "method", "path_pattern"}),

		BillingRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_billing_requests_total",
			Help: "Total number of metered completion requests by outcome.",
		}, []string{"model_id", "outcome"}),

		InsufficientBalanceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obol_insufficient_balance_rejections_total",
			Help: "Total number of requests rejected for insufficient balance.",
		}),

		ProviderFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_provider_failures_total",
			Help: "Total number of provider calls that failed before any output.",
		}, []string{"model_id"}),

		PartialDeliveryBilledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_partial_delivery_billed_total",
			Help: "Total number of requests billed for partially delivered output.",
		}, []string{"model_id"}),

		UsageFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_usage_fallbacks_total",
			Help: "Total number of settlements that estimated usage because the provider reported none.",
		}, []string{"model_id"}),

		ReconciliationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_reconciliations_total",
			Help: "Total number of stale transactions resolved by the reconciler.",
		}, []string{"outcome"}),

		StalePendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obol_stale_pending_transactions",
			Help: "Number of stale pending transactions found by the last sweep.",
		}),

		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "obol_reconciler_sweep_duration_seconds",
			Help:    "Duration of reconciler sweeps in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "obol_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "obol_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "obol_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.BillingRequestsTotal,
		m.InsufficientBalanceTotal,
		m.ProviderFailuresTotal,
		m.PartialDeliveryBilledTotal,
		m.UsageFallbacksTotal,
		m.ReconciliationsTotal,
		m.StalePendingGauge,
		m.SweepDuration,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncBillingRequest increments the billing request counter for a model and
// outcome. Outcome is one of completed, failed, insufficient_balance,
// rejected.
func (m *Metrics) IncBillingRequest(modelID, outcome string) {
	m.BillingRequestsTotal.WithLabelValues(modelID, outcome).Inc()
}

// IncInsufficientBalance increments the insufficient balance rejection counter.
func (m *Metrics) IncInsufficientBalance() {
	m.InsufficientBalanceTotal.Inc()
}

// IncProviderFailure increments the provider failure counter.
func (m *Metrics) IncProviderFailure(modelID string) {
	m.ProviderFailuresTotal.WithLabelValues(modelID).Inc()
}

// IncPartialDeliveryBilled increments the partial delivery counter.
func (m *Metrics) IncPartialDeliveryBilled(modelID string) {
	m.PartialDeliveryBilledTotal.WithLabelValues(modelID).Inc()
}

// IncUsageFallback increments the usage fallback counter.
func (m *Metrics) IncUsageFallback(modelID string) {
	m.UsageFallbacksTotal.WithLabelValues(modelID).Inc()
}

// IncReconciliation increments the reconciliation counter for the given
// outcome (completed or failed).
func (m *Metrics) IncReconciliation(outcome string) {
	m.ReconciliationsTotal.WithLabelValues(outcome).Inc()
}

// SetStalePending records the number of stale pending transactions found by
// the most recent sweep.
func (m *Metrics) SetStalePending(n int) {
	m.StalePendingGauge.Set(float64(n))
}

// ObserveSweepDuration records how long a reconciler sweep took.
func (m *Metrics) ObserveSweepDuration(seconds float64) {
	m.SweepDuration.Observe(seconds)
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection() {
	m.RateLimitRejectionsTotal.Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
