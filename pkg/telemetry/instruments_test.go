package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-roots/pkg/domain"
)

func collectMetrics(t *testing.T, ctx context.Context, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func useManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	reader := useManualReader(t)

	now := time.Now()
	RecordValidation(ctx, domain.PolicyStrict, domain.Accepted("/work/qrimages", "/work/qrimages", now))
	RecordValidation(ctx, domain.PolicyStrict, domain.Rejected("/etc", "/etc", domain.CodeNotWhitelisted, "outside whitelist", now))

	metrics := collectMetrics(t, ctx, reader)

	sum, ok := metrics["roots.validations_total"]
	if !ok {
		t.Fatalf("missing roots.validations_total metric")
	}
	data, ok := sum.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for validations metric")
	}
	if len(data.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(data.DataPoints))
	}

	var rejected int64
	for _, dp := range data.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("validation.outcome")); ok && v.AsString() == "rejected" {
			rejected += dp.Value
			if code, ok := dp.Attributes.Value(attribute.Key("validation.code")); !ok || code.AsString() != "not_whitelisted" {
				t.Fatalf("expected validation.code not_whitelisted, got %v", code)
			}
		}
	}
	if rejected != 1 {
		t.Fatalf("expected 1 rejected validation, got %d", rejected)
	}
}

func TestRecordConfigChangeAndObserverFailure(t *testing.T) {
	ctx := context.Background()
	reader := useManualReader(t)

	RecordConfigChange(ctx, domain.ConfigurationChangeEvent{
		PreviousDirectory: "/work/qrimages",
		NewDirectory:      "/work/roots",
		NewSource:         domain.SourceRoots,
		Timestamp:         time.Now(),
	})
	RecordObserverFailure(ctx)
	RecordObserverFailure(ctx)

	metrics := collectMetrics(t, ctx, reader)

	changes := metrics["roots.config_changes_total"].Data.(metricdata.Sum[int64])
	if changes.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 config change, got %d", changes.DataPoints[0].Value)
	}
	if v, ok := changes.DataPoints[0].Attributes.Value(attribute.Key("config.source")); !ok || v.AsString() != "roots" {
		t.Fatalf("expected config.source roots, got %v", v)
	}

	failures := metrics["roots.observer_failures_total"].Data.(metricdata.Sum[int64])
	if failures.DataPoints[0].Value != 2 {
		t.Fatalf("expected 2 observer failures, got %d", failures.DataPoints[0].Value)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "validate")
	RecordSecurityEvent(span, domain.Rejected("/etc/passwd", "/etc/passwd", domain.CodeForbiddenPattern, "forbidden", time.Now()))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 security event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "security.validation" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("security.valid")); !ok || value.AsBool() {
		t.Fatalf("expected security.valid attribute false")
	}
	if value, ok := attrs.Value(attribute.Key("security.code")); !ok || value.AsString() != "forbidden_pattern" {
		t.Fatalf("expected security.code forbidden_pattern, got %v", value)
	}
	for _, kv := range event.Attributes {
		if kv.Value.AsString() == "/etc/passwd" {
			t.Fatalf("raw path must not be exported on span events")
		}
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-roots"})
	if err != nil {
		t.Fatalf("setup provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{Profile: "production"})
	set := attribute.NewSet(attrs...)

	if v, ok := set.Value("service.name"); !ok || v.AsString() != "polis-roots" {
		t.Fatalf("service.name = %v, want polis-roots", v.AsString())
	}
	if v, ok := set.Value("deployment.environment"); !ok || v.AsString() != "production" {
		t.Fatalf("deployment.environment = %v, want production", v.AsString())
	}

	if got := resourceAttributes(Config{ServiceName: "roots-a"}); len(got) != 1 {
		t.Fatalf("expected only service.name without a profile, got %v", got)
	}
}

func TestSamplerRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 0, want: "AlwaysOnSampler"},
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.ratio).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%v) = %q, want it to contain %q", tt.ratio, desc, tt.want)
		}
	}
}
