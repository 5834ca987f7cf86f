package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/relaycore/internal/bus"
)

// Bridge turns relay lifecycle events from the in-process bus into metric
// recordings. It is the only coupling point between the bus and the OTel
// instruments: relay services publish domain events and never hold a metric
// handle, so metrics can be disabled (or absent in tests) without touching
// any service constructor.
type Bridge struct {
	bus     *bus.Bus
	metrics *Metrics
}

// NewBridge wires a bus to a metric instrument bundle.
func NewBridge(b *bus.Bus, m *Metrics) *Bridge {
	return &Bridge{bus: b, metrics: m}
}

// Run subscribes to every bus topic and records matching events until ctx
// is done or the subscription is closed. Meant to run on its own goroutine.
func (br *Bridge) Run(ctx context.Context) {
	sub := br.bus.Subscribe("")
	defer br.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			br.record(ctx, ev)
		}
	}
}

func (br *Bridge) record(ctx context.Context, ev bus.Event) {
	switch ev.Topic {
	case bus.TopicTurnStarted:
		br.metrics.ActiveTopics.Add(ctx, 1)

	case bus.TopicTurnCompleted:
		br.metrics.ActiveTopics.Add(ctx, -1)
		p, ok := ev.Payload.(bus.TurnCompletedEvent)
		if !ok {
			return
		}
		br.metrics.TurnDuration.Record(ctx, float64(p.DurationMs)/1000.0,
			metric.WithAttributes(attribute.String("outcome", "completed")))
		if tokens := p.InputTokens + p.OutputTokens; tokens > 0 {
			br.metrics.TurnTokens.Add(ctx, int64(tokens))
		}

	case bus.TopicTurnFailed:
		br.metrics.ActiveTopics.Add(ctx, -1)
		p, ok := ev.Payload.(bus.TurnFailedEvent)
		if !ok {
			return
		}
		if p.Class == "semaphore_full" {
			br.metrics.SemaphoreRejects.Add(ctx, 1)
			return
		}
		br.metrics.TurnFailures.Add(ctx, 1,
			metric.WithAttributes(attribute.String("class", p.Class)))
		br.metrics.TurnDuration.Record(ctx, float64(p.DurationMs)/1000.0,
			metric.WithAttributes(attribute.String("outcome", "failed")))

	case bus.TopicSessionInvalidated:
		p, ok := ev.Payload.(bus.SessionInvalidatedEvent)
		if !ok {
			return
		}
		br.metrics.SessionInvalidations.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", p.Reason)))

	case bus.TopicScheduledDelivered:
		br.metrics.ScheduledDelivered.Add(ctx, 1)

	case bus.TopicScheduledFailed:
		br.metrics.ScheduledFailed.Add(ctx, 1)
	}
}
