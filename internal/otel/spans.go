package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrSessionID  = attribute.Key("agentdeck.session.id")
	AttrClientID   = attribute.Key("agentdeck.client.id")
	AttrRequestID  = attribute.Key("agentdeck.permission.request_id")
	AttrToolName   = attribute.Key("agentdeck.tool.name")
	AttrOutcome    = attribute.Key("agentdeck.permission.outcome")
	AttrFork       = attribute.Key("agentdeck.turn.fork")
	AttrFrameType  = attribute.Key("agentdeck.frame.type")
	AttrTokensUsed = attribute.Key("agentdeck.turn.tokens")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway frame.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
