package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "runforge"

// StartDispatchSpan starts a span for run dispatch.
func StartDispatchSpan(ctx context.Context, runID, projectID, backend string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("project.id", projectID),
			attribute.String("dispatch.backend", backend),
		),
	)
}

// StartSandboxSpan starts a span for a sandbox lifecycle operation.
func StartSandboxSpan(ctx context.Context, sandboxID, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sandbox."+op,
		trace.WithAttributes(attribute.String("sandbox.id", sandboxID)),
	)
}

// StartChainSpan starts a span for a chain progression step.
func StartChainSpan(ctx context.Context, rootRunID string, stepIndex int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chain.advance",
		trace.WithAttributes(
			attribute.String("chain.root_run_id", rootRunID),
			attribute.Int("chain.step_index", stepIndex),
		),
	)
}
