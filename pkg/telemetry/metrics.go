package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestrator.
type Metrics struct {
	config MetricsConfig

	// Pass metrics
	passesStarted   *prometheus.CounterVec
	passesCompleted *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec

	// Dispatch metrics
	dispatches      *prometheus.CounterVec
	requestOutcomes *prometheus.CounterVec
	readinessWait   *prometheus.HistogramVec

	// Loop guard metrics
	guardOutcomes *prometheus.CounterVec

	// Concurrency metrics
	writeConflicts prometheus.Counter
	leaseContention prometheus.Counter

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activePasses      prometheus.Gauge
	componentsManaged *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		passesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_started_total",
				Help:      "Total number of reconciliation passes started",
			},
			[]string{"manifest_id"},
		),
		passesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_completed_total",
				Help:      "Total number of reconciliation passes completed",
			},
			[]string{"manifest_id", "outcome"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of reconciliation passes in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of provisioning requests submitted",
			},
			[]string{"backend", "tier"},
		),
		requestOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_outcomes_total",
				Help:      "Terminal and stalled request outcomes",
			},
			[]string{"backend", "status"},
		),
		readinessWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_wait_seconds",
				Help:      "Time from submission to readiness in seconds",
				Buckets:   buckets,
			},
			[]string{"backend"},
		),

		guardOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guard_outcomes_total",
				Help:      "Loop guard decisions by mutation state",
			},
			[]string{"provenance", "state"},
		),

		writeConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_write_conflicts_total",
				Help:      "Total number of optimistic-concurrency conflicts on manifest writes",
			},
		),
		leaseContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_contention_total",
				Help:      "Total number of pass attempts blocked by a held lease",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activePasses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_passes",
				Help:      "Current number of in-flight reconciliation passes",
			},
		),
		componentsManaged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "components_managed",
				Help:      "Current number of managed components by tier",
			},
			[]string{"tier"},
		),
	}

	registry.MustRegister(
		m.passesStarted,
		m.passesCompleted,
		m.passDuration,
		m.dispatches,
		m.requestOutcomes,
		m.readinessWait,
		m.guardOutcomes,
		m.writeConflicts,
		m.leaseContention,
		m.errorsByClass,
		m.errorsByCode,
		m.activePasses,
		m.componentsManaged,
	)

	return m, nil
}

// RecordPassStarted increments the counter for started passes.
func (m *Metrics) RecordPassStarted(manifestID string) {
	if m.passesStarted == nil {
		return
	}
	m.passesStarted.WithLabelValues(manifestID).Inc()
	m.activePasses.Inc()
}

// RecordPassCompleted records a completed pass with its outcome and duration.
func (m *Metrics) RecordPassCompleted(manifestID, outcome string, duration time.Duration) {
	if m.passesCompleted == nil {
		return
	}
	m.passesCompleted.WithLabelValues(manifestID, outcome).Inc()
	m.passDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.activePasses.Dec()
}

// RecordDispatch records one provisioning request submission.
func (m *Metrics) RecordDispatch(backend, tier string) {
	if m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(backend, tier).Inc()
}

// RecordRequestOutcome records a request reaching Ready, Failed, or Stalled.
func (m *Metrics) RecordRequestOutcome(backend, status string) {
	if m.requestOutcomes == nil {
		return
	}
	m.requestOutcomes.WithLabelValues(backend, status).Inc()
}

// RecordReadinessWait records the submission-to-ready latency.
func (m *Metrics) RecordReadinessWait(backend string, wait time.Duration) {
	if m.readinessWait == nil {
		return
	}
	m.readinessWait.WithLabelValues(backend).Observe(wait.Seconds())
}

// RecordGuardOutcome records one loop guard decision.
func (m *Metrics) RecordGuardOutcome(provenance, state string) {
	if m.guardOutcomes == nil {
		return
	}
	m.guardOutcomes.WithLabelValues(provenance, state).Inc()
}

// RecordWriteConflict records one optimistic-concurrency conflict.
func (m *Metrics) RecordWriteConflict() {
	if m.writeConflicts == nil {
		return
	}
	m.writeConflicts.Inc()
}

// RecordLeaseContention records one pass blocked by a held lease.
func (m *Metrics) RecordLeaseContention() {
	if m.leaseContention == nil {
		return
	}
	m.leaseContention.Inc()
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// SetComponentsManaged sets the managed-component gauge for a tier.
func (m *Metrics) SetComponentsManaged(tier string, count float64) {
	if m.componentsManaged == nil {
		return
	}
	m.componentsManaged.WithLabelValues(tier).Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
