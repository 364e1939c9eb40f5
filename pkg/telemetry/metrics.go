package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the control plane.
// A disabled instance is usable and records nothing.
type Metrics struct {
	config MetricsConfig

	// Orchestrator operations
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	stepRetries       *prometheus.CounterVec

	// Lifecycle
	transitions *prometheus.CounterVec
	databases   *prometheus.GaugeVec

	// Driver calls
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of orchestrator operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of orchestrator operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of retried provisioning steps",
			},
			[]string{"step"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of database state transitions",
			},
			[]string{"from", "to"},
		),
		databases: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "databases",
				Help:      "Current number of database records by state",
			},
			[]string{"state"},
		),
		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of engine driver calls",
			},
			[]string{"engine", "operation"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_call_duration_seconds",
				Help:      "Duration of engine driver calls in seconds",
				Buckets:   buckets,
			},
			[]string{"engine", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of engine driver errors by taxonomy kind",
			},
			[]string{"engine", "kind"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.stepRetries,
		m.transitions,
		m.databases,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
	)

	return m, nil
}

// RecordOperation records a finished orchestrator operation.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRetry counts one retried provisioning step.
func (m *Metrics) RecordRetry(step string) {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// RecordTransition counts a database state transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// SetDatabaseCount sets the number of database records in state.
func (m *Metrics) SetDatabaseCount(state string, count float64) {
	if m.databases == nil {
		return
	}
	m.databases.WithLabelValues(state).Set(count)
}

// RecordDriverCall records an engine driver call with its duration.
func (m *Metrics) RecordDriverCall(engine, operation string, duration time.Duration) {
	if m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(engine, operation).Inc()
	m.driverDuration.WithLabelValues(engine, operation).Observe(duration.Seconds())
}

// RecordDriverError records a failed driver call by taxonomy kind.
func (m *Metrics) RecordDriverError(engine, kind string) {
	if m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(engine, kind).Inc()
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures the duration of an operation.
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

// StartMetricsServer serves metrics on the configured listen address.
// It is a no-op when metrics are disabled or no listen address is set.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the standalone metrics listener, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
