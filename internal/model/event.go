package model

import "time"

// EventKind classifies outbound control plane events.
type EventKind string

const (
	EventBreakerStateChanged    EventKind = "BREAKER_STATE_CHANGED"
	EventQueueStatusChanged     EventKind = "QUEUE_STATUS_CHANGED"
	EventMessageDeadLettered    EventKind = "MESSAGE_DEAD_LETTERED"
	EventTenantIsolationChanged EventKind = "TENANT_ISOLATION_CHANGED"
	EventServiceStatusChanged   EventKind = "SERVICE_STATUS_CHANGED"
	EventFailureContained       EventKind = "FAILURE_CONTAINED"
	EventValidationAction       EventKind = "VALIDATION_ACTION"
)

// ResilienceEvent is a state change published to the outbox.
// From/To carry the previous and new state for transition events.
type ResilienceEvent struct {
	ID         string
	Kind       EventKind
	Subject    string
	TenantID   string
	From       string
	To         string
	Severity   Severity
	Attributes map[string]string
	OccurredAt time.Time
}
