package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for relaycore spans.
var (
	AttrTopicKey     = attribute.Key("relaycore.topic.key")
	AttrChatID       = attribute.Key("relaycore.chat.id")
	AttrSessionID    = attribute.Key("relaycore.session.id")
	AttrModel        = attribute.Key("relaycore.model.name")
	AttrTokensInput  = attribute.Key("relaycore.tokens.input")
	AttrTokensOutput = attribute.Key("relaycore.tokens.output")
	AttrErrorClass   = attribute.Key("relaycore.error.class")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for one inbound chat-transport poll cycle.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (model backend, chat transport send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
