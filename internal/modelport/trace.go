package modelport

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	relayotel "github.com/basket/relaycore/internal/otel"
	"github.com/basket/relaycore/internal/relay"
)

// tracingPort wraps a ModelPort so every Respond call is recorded as a
// client span carrying chat/session/token attributes. With a no-op tracer
// the wrapper is effectively free, so main wires it unconditionally.
type tracingPort struct {
	inner  relay.ModelPort
	tracer trace.Tracer
}

// WithTracing decorates port with per-call client spans. A nil tracer
// returns port unchanged.
func WithTracing(port relay.ModelPort, tracer trace.Tracer) relay.ModelPort {
	if tracer == nil {
		return port
	}
	return &tracingPort{inner: port, tracer: tracer}
}

// Respond implements relay.ModelPort.
func (t *tracingPort) Respond(ctx context.Context, in relay.RespondInput) (relay.RespondOutput, error) {
	ctx, span := relayotel.StartClientSpan(ctx, t.tracer, "modelport.respond",
		relayotel.AttrChatID.String(in.ChatID),
	)
	defer span.End()

	out, err := t.inner.Respond(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}

	span.SetAttributes(relayotel.AttrSessionID.String(out.SessionID))
	if out.Usage != nil {
		span.SetAttributes(
			relayotel.AttrTokensInput.Int(out.Usage.InputTokens),
			relayotel.AttrTokensOutput.Int(out.Usage.OutputTokens),
		)
	}
	return out, nil
}

var _ relay.ModelPort = (*tracingPort)(nil)
