package model

import "time"

// DeadLetterReason represents why a message left active processing.
type DeadLetterReason string

const (
	DeadLetterMaxAttempts  DeadLetterReason = "max_attempts_exceeded"
	DeadLetterRetryOff     DeadLetterReason = "retry_disabled"
	DeadLetterNotRetryable DeadLetterReason = "not_retryable"
	DeadLetterExpired      DeadLetterReason = "expired"
)

// DeadLetterRecord is the terminal record of a dead-lettered message.
type DeadLetterRecord struct {
	MessageID     string           `json:"message_id"`
	Queue         string           `json:"queue"`
	TenantID      string           `json:"tenant_id"`
	Priority      string           `json:"priority"`
	Attempts      int              `json:"attempts"`
	Reason        DeadLetterReason `json:"reason"`
	LastError     string           `json:"last_error,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Payload       []byte           `json:"payload,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	DeadAt        time.Time        `json:"dead_at"`
}
