package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus instrumentation for the reconciliation engine.
// A zero-config (disabled) instance is a safe no-op.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec

	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	lockConflicts prometheus.Counter

	resourcesManaged prometheus.Gauge
	stateSerial      prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector. When cfg.Enabled is false the
// returned instance records nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of reconciliation runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of reconciliation runs completed",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),

		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of plan steps executed",
		}, []string{"op", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of plan step execution in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "resource_type"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries by error class",
		}, []string{"class"}),

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of provider calls",
		}, []string{"provider", "op"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of provider calls in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of provider errors",
		}, []string{"provider", "op"}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_by_class_total",
			Help:      "Total number of errors by classification",
		}, []string{"class"}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_lock_conflicts_total",
			Help:      "Total number of fail-fast state lock conflicts",
		}),

		resourcesManaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resources_managed",
			Help:      "Number of resources in the committed snapshot",
		}),
		stateSerial: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_serial",
			Help:      "Serial of the committed snapshot",
		}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.stepRetries,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByClass,
		m.lockConflicts,
		m.resourcesManaged,
		m.stateSerial,
	)

	return m, nil
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a finished run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStep records a terminal step outcome.
func (m *Metrics) RecordStep(op, outcome, resourceType string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(op, outcome).Inc()
	m.stepDuration.WithLabelValues(op, resourceType).Observe(duration.Seconds())
}

// RecordStepRetry counts a retried step attempt by error class.
func (m *Metrics) RecordStepRetry(class string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(class).Inc()
}

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, op string, duration time.Duration) {
	if m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, op).Inc()
	m.providerDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
}

// RecordProviderError counts a provider error.
func (m *Metrics) RecordProviderError(provider, op string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, op).Inc()
}

// RecordError counts an error by classification.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// RecordLockConflict counts a fail-fast lock conflict.
func (m *Metrics) RecordLockConflict() {
	if m.lockConflicts == nil {
		return
	}
	m.lockConflicts.Inc()
}

// RecordSnapshot records the committed snapshot's size and serial.
func (m *Metrics) RecordSnapshot(resources int, serial uint64) {
	if m.resourcesManaged == nil {
		return
	}
	m.resourcesManaged.Set(float64(resources))
	m.stateSerial.Set(float64(serial))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer exposes the metrics endpoint in the background.
func (m *Metrics) StartServer() {
	if !m.config.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = server.ListenAndServe()
	}()
}
