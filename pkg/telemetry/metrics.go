package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for engine provisioning and
// connection management. A nil *Metrics and a disabled one are both no-ops.
type Metrics struct {
	config MetricsConfig

	provisions        *prometheus.CounterVec
	provisionDuration prometheus.Histogram
	binaryResolutions *prometheus.CounterVec
	sessionsLaunched  *prometheus.CounterVec

	connectAttempts *prometheus.CounterVec
	sharedRefs      prometheus.Gauge

	teardownErrors       prometheus.Counter
	versionCheckFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		provisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisions_total",
				Help:      "Total number of engine provisioning attempts by result",
			},
			[]string{"result"},
		),
		provisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provision_duration_seconds",
				Help:      "Time taken to provision an engine session",
				Buckets:   buckets,
			},
		),
		binaryResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "binary_resolutions_total",
				Help:      "Engine binary resolutions by source (override, cache, download)",
			},
			[]string{"source"},
		),
		sessionsLaunched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_launched_total",
				Help:      "Engine sessions launched by launcher kind",
			},
			[]string{"launcher"},
		),
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Connection attempts to an engine session by result",
			},
			[]string{"result"},
		),
		sharedRefs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "shared_connection_refs",
				Help:      "Current reference count of the shared connection",
			},
		),
		teardownErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "teardown_errors_total",
				Help:      "Teardown steps that failed",
			},
		),
		versionCheckFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_check_failures_total",
				Help:      "Version compatibility checks that could not be completed",
			},
		),
	}

	registry.MustRegister(
		m.provisions,
		m.provisionDuration,
		m.binaryResolutions,
		m.sessionsLaunched,
		m.connectAttempts,
		m.sharedRefs,
		m.teardownErrors,
		m.versionCheckFailures,
	)

	return m, nil
}

// RecordProvision records the outcome of a provisioning attempt.
func (m *Metrics) RecordProvision(result string, took time.Duration) {
	if m == nil || m.provisions == nil {
		return
	}
	m.provisions.WithLabelValues(result).Inc()
	m.provisionDuration.Observe(took.Seconds())
}

// RecordBinaryResolution records where an engine binary came from.
func (m *Metrics) RecordBinaryResolution(source string) {
	if m == nil || m.binaryResolutions == nil {
		return
	}
	m.binaryResolutions.WithLabelValues(source).Inc()
}

// RecordSessionLaunched counts a launched engine session.
func (m *Metrics) RecordSessionLaunched(launcher string) {
	if m == nil || m.sessionsLaunched == nil {
		return
	}
	m.sessionsLaunched.WithLabelValues(launcher).Inc()
}

// RecordConnectAttempt records a single dial attempt.
func (m *Metrics) RecordConnectAttempt(err error) {
	if m == nil || m.connectAttempts == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// SetSharedRefs sets the shared connection reference count.
func (m *Metrics) SetSharedRefs(n int) {
	if m == nil || m.sharedRefs == nil {
		return
	}
	m.sharedRefs.Set(float64(n))
}

// RecordTeardownErrors adds n failed teardown steps.
func (m *Metrics) RecordTeardownErrors(n int) {
	if m == nil || m.teardownErrors == nil || n <= 0 {
		return
	}
	m.teardownErrors.Add(float64(n))
}

// RecordVersionCheckFailure counts a failed version query.
func (m *Metrics) RecordVersionCheckFailure() {
	if m == nil || m.versionCheckFailures == nil {
		return
	}
	m.versionCheckFailures.Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	log.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Serving metrics")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
