package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the NetWard engine.
type Metrics struct {
	config MetricsConfig

	// Plan lifecycle metrics
	planTransitions *prometheus.CounterVec
	plansExecuting  prometheus.Gauge
	applyDuration   *prometheus.HistogramVec
	batchDuration   prometheus.Histogram

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	// Approval metrics
	tokensIssued   prometheus.Counter
	tokensConsumed *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When metrics are disabled a no-op instance is returned.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		planTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_transitions_total",
			Help:      "Plan status transitions by target status.",
		}, []string{"status"}),

		plansExecuting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plans_executing",
			Help:      "Number of plans currently executing.",
		}),

		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "End-to-end apply duration by final status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Duration of one apply batch including its health check.",
			Buckets:   prometheus.DefBuckets,
		}),

		adapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_calls_total",
			Help:      "Device adapter calls by transport and operation kind.",
		}, []string{"transport", "kind"}),

		adapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_call_duration_seconds",
			Help:      "Device adapter call latency by transport.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),

		adapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_errors_total",
			Help:      "Device adapter errors by taxonomy code.",
		}, []string{"code"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_open",
			Help:      "1 when the per-device circuit breaker is open.",
		}, []string{"device_id"}),

		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_tokens_issued_total",
			Help:      "Approval tokens issued.",
		}),

		tokensConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_tokens_consumed_total",
			Help:      "Approval token consumption attempts by result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.planTransitions, m.plansExecuting, m.applyDuration, m.batchDuration,
		m.adapterCalls, m.adapterDuration, m.adapterErrors, m.breakerState,
		m.tokensIssued, m.tokensConsumed,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordPlanTransition records a plan status transition.
func (m *Metrics) RecordPlanTransition(status string) {
	if m == nil || m.planTransitions == nil {
		return
	}
	m.planTransitions.WithLabelValues(status).Inc()
}

// ExecutionStarted increments the executing-plans gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil || m.plansExecuting == nil {
		return
	}
	m.plansExecuting.Inc()
}

// ExecutionFinished decrements the executing-plans gauge and records the
// apply duration against the final status.
func (m *Metrics) ExecutionFinished(status string, d time.Duration) {
	if m == nil || m.plansExecuting == nil {
		return
	}
	m.plansExecuting.Dec()
	m.applyDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordBatch records the duration of one batch.
func (m *Metrics) RecordBatch(d time.Duration) {
	if m == nil || m.batchDuration == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

// RecordAdapterCall records an adapter call.
func (m *Metrics) RecordAdapterCall(transport, kind string, d time.Duration) {
	if m == nil || m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(transport, kind).Inc()
	m.adapterDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// RecordAdapterError records an adapter error by taxonomy code.
func (m *Metrics) RecordAdapterError(code string) {
	if m == nil || m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(code).Inc()
}

// SetBreakerOpen records the circuit breaker state for a device.
func (m *Metrics) SetBreakerOpen(deviceID string, open bool) {
	if m == nil || m.breakerState == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.breakerState.WithLabelValues(deviceID).Set(v)
}

// RecordTokenIssued records an approval token issuance.
func (m *Metrics) RecordTokenIssued() {
	if m == nil || m.tokensIssued == nil {
		return
	}
	m.tokensIssued.Inc()
}

// RecordTokenConsumed records a token consumption attempt.
func (m *Metrics) RecordTokenConsumed(result string) {
	if m == nil || m.tokensConsumed == nil {
		return
	}
	m.tokensConsumed.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	go func() {
		_ = http.ListenAndServe(m.config.ListenAddress, mux)
	}()
	return nil
}
