package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-roots/pkg/domain"
)

func TestMetrics_RecordValidation(t *testing.T) {
	m := NewMetrics()
	now := time.Now()

	m.RecordValidation(domain.PolicyStandard, domain.Accepted("/work", "/work", now), time.Millisecond)
	m.RecordValidation(domain.PolicyStandard, domain.Rejected("/etc", "/etc", domain.CodeNotWhitelisted, "outside", now), time.Millisecond)
	m.RecordValidation(domain.PolicyStandard, domain.Rejected("/etc", "/etc", domain.CodeNotWhitelisted, "outside", now), time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationsTotal.WithLabelValues("standard", "accepted", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.validationsTotal.WithLabelValues("standard", "rejected", "not_whitelisted")))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordNotification("adopted")
	m.RecordNotification("rate_limited")
	m.RecordConfigChange(domain.SourceRoots)
	m.RecordObserverFailure()
	m.RecordConfigReload("success")
	m.RecordFactoryLookup(true)
	m.RecordFactoryLookup(false)
	m.RecordFactoryLookup(false)
	m.RecordAuditDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("adopted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configChanges.WithLabelValues("roots")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.observerFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.factoryCache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.factoryCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditDropped))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordNotification("adopted")
		m.RecordConfigChange(domain.SourceExplicit)
		m.RecordObserverFailure()
		m.RecordFactoryLookup(true)
		m.RecordValidation(domain.PolicyStrict, domain.RootsValidationResult{}, 0)
	})
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := NewMetrics()

	status := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	status.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "status", "418")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "roots_http_requests_total"))
}
