package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-roots/pkg/domain"
)

// Metrics holds the Prometheus collectors for the roots engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Validation metrics
	validationsTotal   *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec

	// Notification metrics
	notificationsTotal *prometheus.CounterVec

	// Configuration metrics
	configChanges    *prometheus.CounterVec
	observerFailures prometheus.Counter
	configReloads    *prometheus.CounterVec

	// Factory cache metrics
	factoryCache *prometheus.CounterVec

	// Audit metrics
	auditDropped prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roots_validations_total",
				Help: "Total number of directory security checks by policy, outcome and code",
			},
			[]string{"policy", "outcome", "code"},
		),

		validationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roots_validation_duration_seconds",
				Help:    "Directory security check latency in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
			},
			[]string{"policy"},
		),

		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roots_notifications_total",
				Help: "Total number of roots notifications by result",
			},
			[]string{"result"},
		),

		configChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roots_config_changes_total",
				Help: "Total number of committed directory changes by new source",
			},
			[]string{"source"},
		),

		observerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roots_observer_failures_total",
				Help: "Total number of configuration observers that errored or panicked",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roots_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		factoryCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roots_factory_cache_lookups_total",
				Help: "Total number of validator factory cache lookups by result",
			},
			[]string{"result"},
		),

		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roots_audit_dropped_total",
				Help: "Total number of audit records dropped because the buffer was full",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roots_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roots_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.validationsTotal,
		m.validationDuration,
		m.notificationsTotal,
		m.configChanges,
		m.observerFailures,
		m.configReloads,
		m.factoryCache,
		m.auditDropped,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordValidation records one directory check.
func (m *Metrics) RecordValidation(kind domain.SecurityPolicyKind, result domain.RootsValidationResult, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := domain.OutcomeAccepted
	if !result.Valid {
		outcome = domain.OutcomeRejected
	}
	m.validationsTotal.WithLabelValues(string(kind), string(outcome), string(result.Code)).Inc()
	m.validationDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordNotification records how a roots notification was handled.
// result is one of "adopted", "rejected" or "rate_limited".
func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(result).Inc()
}

// RecordConfigChange records a committed change of the resolved directory.
func (m *Metrics) RecordConfigChange(source domain.ConfigSource) {
	if m == nil {
		return
	}
	m.configChanges.WithLabelValues(source.String()).Inc()
}

// RecordObserverFailure records an observer that errored or panicked.
func (m *Metrics) RecordObserverFailure() {
	if m == nil {
		return
	}
	m.observerFailures.Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordFactoryLookup records a factory cache hit or miss.
func (m *Metrics) RecordFactoryLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.factoryCache.WithLabelValues(result).Inc()
}

// RecordAuditDropped records an audit record lost to back-pressure.
func (m *Metrics) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/status":
		return "status"
	case "/metrics":
		return "metrics"
	case "/validate":
		return "validate"
	case "/roots":
		return "roots"
	default:
		return "unknown"
	}
}
