package controller

import "time"

// Event is a state-transition notification for streaming subscribers
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	InstanceID *int      `json:"instance_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Status     string    `json:"status,omitempty"`
	Time       time.Time `json:"time"`
}

// Event type constants
const (
	EventRunCreated  = "run_created"
	EventTransition  = "instance_transition"
	EventRunFinished = "run_finished"
	EventRunArchived = "run_archived"
)

// EventSink receives transition events. Implemented by the SSE hub;
// tests substitute recorders.
type EventSink interface {
	Publish(e Event)
}

type noopSink struct{}

func (noopSink) Publish(Event) {}
