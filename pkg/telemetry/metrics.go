package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the intake pipeline.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsCreated   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	activeJobs    prometheus.Gauge

	// Stage metrics
	stagesExecuted *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageRetries   *prometheus.CounterVec

	// Detector metrics
	watcherEvents  *prometheus.CounterVec
	pairsDetected  prometheus.Counter
	pairsSuppressed *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

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

		jobsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Total number of intake jobs created",
			},
		),
		jobsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_completed_total",
				Help:      "Total number of jobs reaching a terminal state",
			},
			[]string{"state"},
		),
		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of non-terminal jobs held by the executor",
			},
		),

		stagesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_executed_total",
				Help:      "Total number of stage attempts",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage execution in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		stageRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_retries_total",
				Help:      "Total number of stage retries scheduled",
			},
			[]string{"stage"},
		),

		watcherEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watcher_events_total",
				Help:      "Total number of file system events observed",
			},
			[]string{"op"},
		),
		pairsDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairs_detected_total",
				Help:      "Total number of file pairs declared ready",
			},
		),
		pairsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pairs_suppressed_total",
				Help:      "Total number of readiness events suppressed by job state",
			},
			[]string{"reason"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of stage errors by classification",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.jobsCreated,
		m.jobsCompleted,
		m.activeJobs,
		m.stagesExecuted,
		m.stageDuration,
		m.stageRetries,
		m.watcherEvents,
		m.pairsDetected,
		m.pairsSuppressed,
		m.errorsByClass,
	)

	return m, nil
}

// RecordJobCreated increments the created-job counter.
func (m *Metrics) RecordJobCreated() {
	if m.jobsCreated == nil {
		return
	}
	m.jobsCreated.Inc()
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(state string) {
	if m.jobsCompleted == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(state).Inc()
}

// SetActiveJobs sets the current number of jobs held by the executor.
func (m *Metrics) SetActiveJobs(count float64) {
	if m.activeJobs == nil {
		return
	}
	m.activeJobs.Set(count)
}

// RecordStageExecution records one stage attempt with its outcome and duration.
func (m *Metrics) RecordStageExecution(stage, outcome string, duration time.Duration) {
	if m.stagesExecuted == nil {
		return
	}
	m.stagesExecuted.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStageRetry records a scheduled retry for a stage.
func (m *Metrics) RecordStageRetry(stage string) {
	if m.stageRetries == nil {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// RecordWatcherEvent records a raw file system event.
func (m *Metrics) RecordWatcherEvent(op string) {
	if m.watcherEvents == nil {
		return
	}
	m.watcherEvents.WithLabelValues(op).Inc()
}

// RecordPairDetected records a pair readiness emission.
func (m *Metrics) RecordPairDetected() {
	if m.pairsDetected == nil {
		return
	}
	m.pairsDetected.Inc()
}

// RecordPairSuppressed records a readiness event suppressed by job state.
func (m *Metrics) RecordPairSuppressed(reason string) {
	if m.pairsSuppressed == nil {
		return
	}
	m.pairsSuppressed.WithLabelValues(reason).Inc()
}

// RecordError records a stage error by classification.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// The server runs until the process exits.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	go func() {
		//nolint:errcheck // metrics server failure is non-fatal
		_ = http.ListenAndServe(m.config.ListenAddress, mux)
	}()

	return nil
}

// Timer measures a duration for histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer creates a started timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
