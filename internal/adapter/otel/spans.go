package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aegis"

// StartRunSpan starts a span covering one orchestration run.
func StartRunSpan(ctx context.Context, runID, workflowID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("workflow.id", workflowID),
		),
	)
}

// StartToolSpan starts a span for one tool invocation.
func StartToolSpan(ctx context.Context, qualified string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.qualified", qualified),
		),
	)
}
