package model

import "time"

// Audit action constants
const (
	AuditBreakerStateChanged    = "CIRCUIT_BREAKER_STATE_CHANGED"
	AuditBreakerCall            = "CIRCUIT_BREAKER_CALL"
	AuditQueueEnqueueRejected   = "QUEUE_ENQUEUE_REJECTED"
	AuditQueueDeadLettered      = "QUEUE_MESSAGE_DEAD_LETTERED"
	AuditQueueStatusChanged     = "QUEUE_BOUNDARY_STATUS_CHANGED"
	AuditQueueTenantQuarantined = "QUEUE_TENANT_QUARANTINED"
	AuditQueueTenantReleased    = "QUEUE_TENANT_RELEASED"
	AuditFailureContained       = "FAILURE_CONTAINED"
	AuditTenantIsolationChanged = "TENANT_ISOLATION_CHANGED"
	AuditTenantRecovered        = "TENANT_RECOVERED"
	AuditServiceStatusChanged   = "SERVICE_STATUS_CHANGED"
	AuditValidationAlert        = "VALIDATION_ALERT"
	AuditValidationEscalate     = "VALIDATION_ESCALATE"
	AuditValidationRemediate    = "VALIDATION_REMEDIATE"
	AuditValidationReport       = "VALIDATION_REPORT"
)

// Audit outcomes
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
	OutcomeDenied  = "DENIED"
)

// SystemActor is the actor id used for automated actions.
const SystemActor = "system"

// AuditEntry is one record handed to the audit sink.
type AuditEntry struct {
	TenantID      string
	ActorID       string
	Action        string
	ResourceType  string
	ResourceID    string
	Outcome       string
	CorrelationID string
	Severity      Severity
	Metadata      map[string]interface{}
	OccurredAt    time.Time
}
