package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
//
// All metrics use a custom registry rather than the global default
// registerer, which keeps tests isolated and lets multiple instances
// coexist in one process. Expose the registry via promhttp.HandlerFor.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// checksTotal counts rule evaluations by phase and terminal result.
	// Results: conformant, rejected, fast_fail, classification_error,
	// backend_error.
	checksTotal *prometheus.CounterVec

	// checkDuration tracks quota check round-trip time by phase.
	// Buckets span sub-millisecond local short-circuits up to the
	// 1s region where the backend call timeout should have fired.
	checkDuration *prometheus.HistogramVec

	// pendingEntries tracks the current size of the pending registry.
	pendingEntries prometheus.Gauge

	// evictionsTotal counts entries removed by the TTL sweep.
	evictionsTotal prometheus.Counter

	// backendErrorsTotal counts failed quota checks by backend address.
	backendErrorsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance with its own
// registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	checksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_checks_total",
			Help: "Rule evaluations by phase and terminal result",
		},
		[]string{"phase", "result"},
	)

	checkDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_check_duration_seconds",
			Help:    "Quota check duration by phase, including the network round trip",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"phase"},
	)

	pendingEntries := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_pending_entries",
			Help: "Current number of in-flight requests tracked by the pending registry",
		},
	)

	evictionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_registry_evictions_total",
			Help: "Pending entries evicted by the TTL sweep",
		},
	)

	backendErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_backend_errors_total",
			Help: "Failed quota checks by backend address",
		},
		[]string{"address"},
	)

	registry.MustRegister(checksTotal, checkDuration, pendingEntries, evictionsTotal, backendErrorsTotal)

	return &PrometheusMetrics{
		registry:           registry,
		checksTotal:        checksTotal,
		checkDuration:      checkDuration,
		pendingEntries:     pendingEntries,
		evictionsTotal:     evictionsTotal,
		backendErrorsTotal: backendErrorsTotal,
	}
}

// Registry returns the underlying Prometheus registry for exposure via
// promhttp.HandlerFor.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCheck records the terminal result of one rule evaluation.
func (m *PrometheusMetrics) RecordCheck(phase, result string) {
	m.checksTotal.WithLabelValues(phase, result).Inc()
}

// RecordCheckDuration records the duration of one quota check.
func (m *PrometheusMetrics) RecordCheckDuration(phase string, d time.Duration) {
	m.checkDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetPendingEntries records the current pending-registry size.
func (m *PrometheusMetrics) SetPendingEntries(count int) {
	m.pendingEntries.Set(float64(count))
}

// RecordEvictions records entries removed by the TTL sweep.
func (m *PrometheusMetrics) RecordEvictions(count int) {
	m.evictionsTotal.Add(float64(count))
}

// RecordBackendError records a failed quota check.
func (m *PrometheusMetrics) RecordBackendError(address string) {
	m.backendErrorsTotal.WithLabelValues(address).Inc()
}
