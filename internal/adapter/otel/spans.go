package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentrelay"

// StartClaimSpan starts a span for a queue claim.
func StartClaimSpan(ctx context.Context, org, topicID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "queue.claim",
		trace.WithAttributes(
			attribute.String("organization.code", org),
			attribute.String("topic.id", topicID),
		),
	)
}

// StartExecuteSpan starts a span for handing a queue message to a sandbox.
func StartExecuteSpan(ctx context.Context, messageID, topicID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("queue_message.id", messageID),
			attribute.String("topic.id", topicID),
		),
	)
}

// StartSweepSpan starts a span for one compensation cycle.
func StartSweepSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "compensation.sweep")
}

// StartForkSpan starts a span for a fork run.
func StartForkSpan(ctx context.Context, forkID, sourceProjectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "fork.run",
		trace.WithAttributes(
			attribute.String("fork.id", forkID),
			attribute.String("project.source_id", sourceProjectID),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
