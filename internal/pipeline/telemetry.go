package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rand/council/internal/pipeline"

// Metric names.
const (
	MetricTurns         = "council.turns"
	MetricModelFailures = "council.model.failures"
	MetricStageDuration = "council.stage.duration"
)

type telemetry struct {
	tracer        trace.Tracer
	turns         metric.Int64Counter
	modelFailures metric.Int64Counter
	stageDuration metric.Float64Histogram
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.turns, err = meter.Int64Counter(MetricTurns,
		metric.WithDescription("Council turns by outcome")); err != nil {
		slog.Warn("Failed to create metric", "name", MetricTurns, "error", err)
	}
	if t.modelFailures, err = meter.Int64Counter(MetricModelFailures,
		metric.WithDescription("Failed model calls by stage")); err != nil {
		slog.Warn("Failed to create metric", "name", MetricModelFailures, "error", err)
	}
	if t.stageDuration, err = meter.Float64Histogram(MetricStageDuration,
		metric.WithDescription("Stage wall time"), metric.WithUnit("s")); err != nil {
		slog.Warn("Failed to create metric", "name", MetricStageDuration, "error", err)
	}
	return t
}

func (t *telemetry) startStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(failures int)) {
	ctx, span := t.tracer.Start(ctx, "council."+stage, trace.WithAttributes(attrs...))
	start := time.Now()
	return ctx, func(failures int) {
		stageAttr := metric.WithAttributes(attribute.String("stage", stage))
		if t.stageDuration != nil {
			t.stageDuration.Record(ctx, time.Since(start).Seconds(), stageAttr)
		}
		if failures > 0 && t.modelFailures != nil {
			t.modelFailures.Add(ctx, int64(failures), stageAttr)
		}
		span.SetAttributes(attribute.Int("council.failures", failures))
		span.End()
	}
}

func (t *telemetry) recordTurn(ctx context.Context, span trace.Span, err error) {
	outcome := "complete"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if t.turns != nil {
		t.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
