package merge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("accord.merge")

func startMergeSpan(ctx context.Context, name, conflictID string, strategy Strategy) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("merge.conflict_id", conflictID),
			attribute.String("merge.strategy", strategy.String()),
		),
	)
}

func setMergeSpanResult(span trace.Span, result *Result) {
	if result == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("merge.strategy_used", result.Strategy.String()),
		attribute.Float64("merge.confidence", result.ConfidenceScore),
		attribute.Bool("merge.requires_review", result.RequiresUserReview),
		attribute.Int("merge.conflicting_regions", len(result.ConflictingRegions)),
	}
	if result.FallbackFrom != nil {
		attrs = append(attrs, attribute.String("merge.fallback_from", result.FallbackFrom.String()))
	}
	span.SetAttributes(attrs...)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
