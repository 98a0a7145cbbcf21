package agent

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startTurnSpan opens the span covering one full turn of the main loop.
func (a *Agent) startTurnSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	ctx, span := telemetry.GetTracer().StartSpan(ctx, "agent.turn")
	span.SetAttributes(attribute.String("session.key", key))
	return ctx, span
}

// endTurnSpan records the turn outcome and closes the span.
func (a *Agent) endTurnSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("turn.outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
