package service

import (
	"context"
	"time"
)

// Event types emitted by the engine. Consumers (the notifications platform)
// decide delivery and formatting.
const (
	EventRequestCreated   = "request_created"
	EventStepApproved     = "step_approved"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestCancelled = "request_cancelled"
	EventStepTransferred  = "step_transferred"
)

// Event is the domain event published on every state transition.
type Event struct {
	EventType string    `json:"event_type"`
	TenantID  string    `json:"tenant_id"`
	RequestID string    `json:"request_id"`
	StepID    string    `json:"step_id,omitempty"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher delivers domain events fire-and-forget. Implementations must
// never fail the calling operation; delivery problems are logged and dropped.
type EventPublisher interface {
	Publish(ctx context.Context, event Event)
}
