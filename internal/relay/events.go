package relay

// EventPublisher is the minimal pub/sub contract RelayEngine and its
// collaborators use to surface lifecycle events (turn progress, session
// invalidation, scheduled-sweep results) to anything listening — audit
// logging, metrics, an operator console. nil is a valid EventPublisher:
// every publish call is guarded, so wiring one in is optional.
type EventPublisher interface {
	Publish(topic string, payload interface{})
}

func publish(p EventPublisher, topic string, payload interface{}) {
	if p == nil {
		return
	}
	p.Publish(topic, payload)
}
