// Package biz contains business logic layer implementations.
// This layer holds the resilience managers: circuit breakers, queue
// boundaries, failure domains and the automated validator.
package biz

import (
	"Bulwark/internal/conf"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
// Store interfaces (TenantRateLimitRepo, DeadLetterSink, AuditSink and the
// external MetricsProvider) are bound in the data layer.
var ProviderSet = wire.NewSet(
	NewEventOutbox,
	NewBreakerRegistry,
	NewTenantRateLimiter,
	NewQueueBoundaryManager,
	NewFailureDomainManager,
	NewValidationEngine,
)

// NewValidationEngine builds the automated validator on top of the control
// plane metrics and registers the built-in remediation handlers.
func NewValidationEngine(
	c *conf.Resilience,
	breakers *BreakerRegistry,
	queues *QueueBoundaryManager,
	domains *FailureDomainManager,
	external MetricsProvider,
	audit AuditSink,
	outbox *EventOutbox,
	recorder *metrics.Recorder,
	logger log.Logger,
) (*AutomatedValidator, error) {
	provider := NewControlPlaneMetrics(breakers, queues, domains, external)
	v, err := NewAutomatedValidator(c, provider, audit, outbox, recorder, logger)
	if err != nil {
		return nil, err
	}
	RegisterBuiltinRemediations(v, breakers, queues, domains)
	return v, nil
}
