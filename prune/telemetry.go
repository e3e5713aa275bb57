package prune

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("prune_lib/prune")
	meter  = otel.Meter("prune_lib/prune")
)

var (
	surgeryTotal    metric.Int64Counter
	channelsDeleted metric.Int64Counter
	surgeryLatency  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		surgeryTotal, err = meter.Int64Counter(
			"prune_surgery_total",
			metric.WithDescription("Total number of surgery operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		channelsDeleted, err = meter.Int64Counter(
			"prune_channels_deleted_total",
			metric.WithDescription("Output channels removed from channel-owning layers"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		surgeryLatency, err = meter.Float64Histogram(
			"prune_surgery_duration_seconds",
			metric.WithDescription("Duration of surgery operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordSurgery(ctx context.Context, op string, duration time.Duration, deleted int, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	)
	surgeryTotal.Add(ctx, 1, attrs)
	surgeryLatency.Record(ctx, duration.Seconds(), attrs)
	if err == nil && deleted > 0 {
		channelsDeleted.Add(ctx, int64(deleted), metric.WithAttributes(attribute.String("op", op)))
	}
}

func startSurgerySpan(ctx context.Context, op, layer string, copyMode bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "prune."+op,
		trace.WithAttributes(
			attribute.String("prune.layer", layer),
			attribute.Bool("prune.copy", copyMode),
		),
	)
}

// endSurgery closes the span and records metrics for one operation.
func endSurgery(ctx context.Context, span trace.Span, op string, start time.Time, deleted int, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("prune.channels_deleted", deleted))
	}
	span.End()
	recordSurgery(ctx, op, time.Since(start), deleted, err)
}
