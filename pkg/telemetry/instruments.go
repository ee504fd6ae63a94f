package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-roots/pkg/domain"
)

var (
	instrumentsOnce        sync.Once
	instrumentsInitErr     error
	validationCounter      metric.Int64Counter
	configChangeCounter    metric.Int64Counter
	observerFailureCounter metric.Int64Counter
)

// RecordValidation counts one directory check partitioned by policy and outcome.
func RecordValidation(ctx context.Context, kind domain.SecurityPolicyKind, result domain.RootsValidationResult) {
	if err := ensureInstruments(); err != nil {
		return
	}

	outcome := domain.OutcomeAccepted
	if !result.Valid {
		outcome = domain.OutcomeRejected
	}
	attrs := []attribute.KeyValue{
		attribute.String("policy.kind", string(kind)),
		attribute.String("validation.outcome", string(outcome)),
	}
	if result.Code != domain.CodeNone {
		attrs = append(attrs, attribute.String("validation.code", string(result.Code)))
	}

	validationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConfigChange counts one committed configuration change.
func RecordConfigChange(ctx context.Context, event domain.ConfigurationChangeEvent) {
	if err := ensureInstruments(); err != nil {
		return
	}
	configChangeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("config.source", event.NewSource.String()),
	))
}

// RecordObserverFailure counts an observer that errored or panicked.
func RecordObserverFailure(ctx context.Context) {
	if err := ensureInstruments(); err != nil {
		return
	}
	observerFailureCounter.Add(ctx, 1)
}

func ensureInstruments() error {
	instrumentsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(InstrumentationName)

		validationCounter, instrumentsInitErr = meter.Int64Counter(
			"roots.validations_total",
			metric.WithDescription("Directory security checks partitioned by policy and outcome"),
			metric.WithUnit("{count}"),
		)
		if instrumentsInitErr != nil {
			return
		}

		configChangeCounter, instrumentsInitErr = meter.Int64Counter(
			"roots.config_changes_total",
			metric.WithDescription("Committed changes of the resolved directory"),
			metric.WithUnit("{count}"),
		)
		if instrumentsInitErr != nil {
			return
		}

		observerFailureCounter, instrumentsInitErr = meter.Int64Counter(
			"roots.observer_failures_total",
			metric.WithDescription("Configuration observers that returned an error or panicked"),
			metric.WithUnit("{count}"),
		)
	})

	return instrumentsInitErr
}

// RecordSecurityEvent attaches the outcome of a directory check to span
// without exporting the raw path.
func RecordSecurityEvent(span trace.Span, result domain.RootsValidationResult) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("security.valid", result.Valid),
	}
	if result.Code != domain.CodeNone {
		attrs = append(attrs, attribute.String("security.code", string(result.Code)))
	}

	span.AddEvent("security.validation", trace.WithAttributes(attrs...))
}
