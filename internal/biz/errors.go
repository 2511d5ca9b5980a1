package biz

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons. Every reason in rejectedReasons is a policy rejection:
// surfaced to the caller synchronously and never retried internally.
const (
	ReasonCircuitOpen           = "CIRCUIT_OPEN"
	ReasonHalfOpenLimit         = "CIRCUIT_HALF_OPEN_LIMIT"
	ReasonBoundaryIsolated      = "QUEUE_BOUNDARY_ISOLATED"
	ReasonBoundaryCircuitBroken = "QUEUE_BOUNDARY_CIRCUIT_BROKEN"
	ReasonTenantQuarantined     = "TENANT_QUARANTINED"
	ReasonQueueFull             = "QUEUE_FULL"
	ReasonTenantRateLimited     = "TENANT_RATE_LIMITED"
	ReasonServiceCircuitBroken  = "SERVICE_CIRCUIT_BROKEN"

	ReasonOperationTimeout = "OPERATION_TIMEOUT"
	ReasonQueueNotFound    = "QUEUE_NOT_FOUND"
	ReasonQueueExists      = "QUEUE_EXISTS"
	ReasonInvalidQueue     = "INVALID_QUEUE_CONFIG"
	ReasonMessageNotFound  = "MESSAGE_NOT_FOUND"
	ReasonMessageRemoved   = "MESSAGE_REMOVED"
	ReasonMessageExists    = "MESSAGE_EXISTS"
	ReasonRuleNotFound     = "VALIDATION_RULE_NOT_FOUND"
	ReasonRuleExists       = "VALIDATION_RULE_EXISTS"
	ReasonInvalidRule      = "INVALID_VALIDATION_RULE"
	ReasonUnknownHandler   = "UNKNOWN_REMEDIATION_HANDLER"
)

var (
	ErrCircuitOpen           = errors.ServiceUnavailable(ReasonCircuitOpen, "circuit breaker is open")
	ErrHalfOpenLimit         = errors.ServiceUnavailable(ReasonHalfOpenLimit, "circuit breaker half-open call limit reached")
	ErrBoundaryIsolated      = errors.ServiceUnavailable(ReasonBoundaryIsolated, "queue boundary is isolated")
	ErrBoundaryCircuitBroken = errors.ServiceUnavailable(ReasonBoundaryCircuitBroken, "queue boundary circuit is broken")
	ErrTenantQuarantined     = errors.Forbidden(ReasonTenantQuarantined, "tenant is quarantined")
	ErrQueueFull             = errors.ServiceUnavailable(ReasonQueueFull, "queue is full")
	ErrTenantRateLimited     = errors.New(429, ReasonTenantRateLimited, "tenant exceeded its per-minute enqueue limit")
	ErrServiceCircuitBroken  = errors.ServiceUnavailable(ReasonServiceCircuitBroken, "service circuit is broken")

	ErrOperationTimeout = errors.GatewayTimeout(ReasonOperationTimeout, "operation timed out")
	ErrQueueNotFound    = errors.NotFound(ReasonQueueNotFound, "queue boundary not found")
	ErrQueueExists      = errors.Conflict(ReasonQueueExists, "queue boundary already exists")
	ErrInvalidQueue     = errors.BadRequest(ReasonInvalidQueue, "invalid queue boundary configuration")
	ErrMessageNotFound  = errors.NotFound(ReasonMessageNotFound, "message not found")
	ErrMessageRemoved   = errors.Conflict(ReasonMessageRemoved, "message was already removed")
	ErrMessageExists    = errors.Conflict(ReasonMessageExists, "message id is already queued")
	ErrRuleNotFound     = errors.NotFound(ReasonRuleNotFound, "validation rule not found")
	ErrRuleExists       = errors.Conflict(ReasonRuleExists, "validation rule already exists")
	ErrInvalidRule      = errors.BadRequest(ReasonInvalidRule, "invalid validation rule")
	ErrUnknownHandler   = errors.NotFound(ReasonUnknownHandler, "remediation handler not registered")
)

var rejectedReasons = map[string]struct{}{
	ReasonCircuitOpen:           {},
	ReasonHalfOpenLimit:         {},
	ReasonBoundaryIsolated:      {},
	ReasonBoundaryCircuitBroken: {},
	ReasonTenantQuarantined:     {},
	ReasonQueueFull:             {},
	ReasonTenantRateLimited:     {},
	ReasonServiceCircuitBroken:  {},
}

// IsRejectedByPolicy reports whether err is an admission rejection.
func IsRejectedByPolicy(err error) bool {
	if err == nil {
		return false
	}
	var fbErr *FallbackError
	if errors.As(err, &fbErr) {
		err = fbErr.Err
	}
	_, ok := rejectedReasons[errors.Reason(err)]
	return ok
}

// IsOperationTimeout reports whether err is a timeout of a protected operation or rule.
func IsOperationTimeout(err error) bool {
	return errors.Is(err, ErrOperationTimeout)
}

// FallbackError is returned when the fallback of a failed call also fails.
// It unwraps to the original error; the fallback failure is kept alongside.
type FallbackError struct {
	Err         error
	FallbackErr error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%v (fallback failed: %v)", e.Err, e.FallbackErr)
}

func (e *FallbackError) Unwrap() error {
	return e.Err
}

func withMeta(err *errors.Error, kv ...string) *errors.Error {
	md := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i]] = kv[i+1]
	}
	return err.WithMetadata(md)
}
