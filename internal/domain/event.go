package domain

import "time"

// EventType identifies a state-change notification.
type EventType string

const (
	EventSnapshot         EventType = "request.snapshot"
	EventRequestSubmitted EventType = "request.submitted"
	EventRequestStarted   EventType = "request.started"
	EventStepStarted      EventType = "step.started"
	EventStepSucceeded    EventType = "step.succeeded"
	EventStepFailed       EventType = "step.failed"
	EventProgress         EventType = "request.progress"
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
	EventRequestCancelled EventType = "request.cancelled"
)

// TopicRequests is the event bus topic carrying request lifecycle events.
const TopicRequests = "request.events"

// Event is one state-change notification published on the event bus and
// fanned out to progress subscribers. Delivery is at-least-once;
// subscribers must tolerate duplicates.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	RequestID   string         `json:"request_id"`
	StepID      string         `json:"step_id,omitempty"`
	Status      Status         `json:"status,omitempty"`
	Progress    float64        `json:"progress"`
	CurrentStep string         `json:"current_step,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}
