package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics exposes Prometheus metrics for transactions, phases and the
// profile registry. Every method is safe on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// Transaction metrics
	transactionsStarted   *prometheus.CounterVec
	transactionsCompleted *prometheus.CounterVec
	transactionDuration   *prometheus.HistogramVec
	rollbacks             *prometheus.CounterVec

	// Phase and action metrics
	phaseDuration   *prometheus.HistogramVec
	actionsExecuted *prometheus.CounterVec
	undoFailures    *prometheus.CounterVec

	// Registry metrics
	lockWait         prometheus.Histogram
	snapshotsWritten *prometheus.CounterVec
	profiles         prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. A disabled configuration yields a
// collector whose methods do nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		transactionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transactions_started_total",
			Help:      "Total number of engine transactions started",
		}, []string{"profile"}),
		transactionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "transactions_completed_total",
			Help:      "Total number of engine transactions completed, by final severity",
		}, []string{"severity"}),
		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "transaction_duration_seconds",
			Help:      "Duration of engine transactions in seconds",
			Buckets:   buckets,
		}, []string{"severity"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rollbacks_total",
			Help:      "Total number of transaction rollbacks, by cause",
		}, []string{"cause"}),

		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "phase_duration_seconds",
			Help:      "Duration of phase execution in seconds",
			Buckets:   buckets,
		}, []string{"phase", "severity"}),
		actionsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "actions_executed_total",
			Help:      "Total number of actions executed",
		}, []string{"phase"}),
		undoFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "undo_failures_total",
			Help:      "Total number of action undo failures during rollback",
		}, []string{"phase"}),

		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "profile_lock_wait_seconds",
			Help:      "Time spent acquiring the profile lock",
			Buckets:   buckets,
		}),
		snapshotsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "snapshots_written_total",
			Help:      "Total number of profile snapshot writes, by result",
		}, []string{"result"}),
		profiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "profiles",
			Help:      "Current number of registered profiles",
		}),

		errorsByClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of errors by class and code",
		}, []string{"class", "code"}),
	}

	m.registry.MustRegister(
		m.transactionsStarted,
		m.transactionsCompleted,
		m.transactionDuration,
		m.rollbacks,
		m.phaseDuration,
		m.actionsExecuted,
		m.undoFailures,
		m.lockWait,
		m.snapshotsWritten,
		m.profiles,
		m.errorsByClass,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTransactionStarted counts a started transaction.
func (m *Metrics) RecordTransactionStarted(profile string) {
	if !m.enabled() {
		return
	}
	m.transactionsStarted.WithLabelValues(profile).Inc()
}

// RecordTransactionCompleted counts a finished transaction and its duration.
func (m *Metrics) RecordTransactionCompleted(severity string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.transactionsCompleted.WithLabelValues(severity).Inc()
	m.transactionDuration.WithLabelValues(severity).Observe(duration.Seconds())
}

// RecordRollback counts a rollback.
func (m *Metrics) RecordRollback(cause string) {
	if !m.enabled() {
		return
	}
	m.rollbacks.WithLabelValues(cause).Inc()
}

// RecordPhase records the duration of one phase.
func (m *Metrics) RecordPhase(phase, severity string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(phase, severity).Observe(duration.Seconds())
}

// RecordActionExecuted counts an executed action.
func (m *Metrics) RecordActionExecuted(phase string) {
	if !m.enabled() {
		return
	}
	m.actionsExecuted.WithLabelValues(phase).Inc()
}

// RecordUndoFailure counts a failed undo.
func (m *Metrics) RecordUndoFailure(phase string) {
	if !m.enabled() {
		return
	}
	m.undoFailures.WithLabelValues(phase).Inc()
}

// RecordLockWait records time spent waiting for a profile lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	if !m.enabled() {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// RecordSnapshotWrite counts a snapshot write attempt.
func (m *Metrics) RecordSnapshotWrite(ok bool) {
	if !m.enabled() {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.snapshotsWritten.WithLabelValues(result).Inc()
}

// SetProfileCount sets the number of registered profiles.
func (m *Metrics) SetProfileCount(n int) {
	if !m.enabled() {
		return
	}
	m.profiles.Set(float64(n))
}

// RecordError counts an error by class and code.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// Gatherer returns the underlying registry, or nil when disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves the metrics endpoint in the background.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()
	return nil
}
