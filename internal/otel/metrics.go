package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all relaycore metrics instruments.
type Metrics struct {
	TurnDuration        metric.Float64Histogram
	TurnTokens          metric.Int64Counter
	TurnFailures        metric.Int64Counter
	SessionInvalidations metric.Int64Counter
	SemaphoreRejects    metric.Int64Counter
	ScheduledDelivered  metric.Int64Counter
	ScheduledFailed     metric.Int64Counter
	ActiveTopics        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("relaycore.turn.duration",
		metric.WithDescription("Model turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnTokens, err = meter.Int64Counter("relaycore.turn.tokens",
		metric.WithDescription("Total input+output tokens consumed across turns"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnFailures, err = meter.Int64Counter("relaycore.turn.failures",
		metric.WithDescription("Turns that ended in a classified failure"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionInvalidations, err = meter.Int64Counter("relaycore.session.invalidations",
		metric.WithDescription("Session mappings invalidated, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.SemaphoreRejects, err = meter.Int64Counter("relaycore.semaphore.rejects",
		metric.WithDescription("Turns rejected because the concurrency semaphore queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledDelivered, err = meter.Int64Counter("relaycore.scheduled.delivered",
		metric.WithDescription("Scheduled messages successfully delivered"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledFailed, err = meter.Int64Counter("relaycore.scheduled.failed",
		metric.WithDescription("Scheduled message delivery attempts that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTopics, err = meter.Int64UpDownCounter("relaycore.topics.active",
		metric.WithDescription("Number of topics with a currently-running or queued turn"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
