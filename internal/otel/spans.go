package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for desk unit spans.
var (
	AttrSubjectID   = attribute.Key("deskunit.subject.id")
	AttrMessageID   = attribute.Key("deskunit.message.id")
	AttrMessageKind = attribute.Key("deskunit.message.kind")
	AttrPresence    = attribute.Key("deskunit.presence.status")
	AttrTopic       = attribute.Key("deskunit.topic")
	AttrRetryCount  = attribute.Key("deskunit.retry.count")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (broker publish).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
