package events

// Event enumerates the topics published by the tick engine.
type Event string

const (
	EventTickStarted   Event = "tick.started"
	EventTickCompleted Event = "tick.completed"
	EventTickFailed    Event = "tick.failed"
	EventDecision      Event = "tick.decision"
)

// Topics lists every topic, in publish order within a tick.
var Topics = []Event{EventTickStarted, EventDecision, EventTickCompleted, EventTickFailed}
