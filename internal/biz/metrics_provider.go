package biz

import (
	"context"
	"strings"
)

// Built-in control plane metric names. Queue metrics take the queue name as
// a suffix, e.g. "queue_failure_rate:jobs".
const (
	MetricBreakersOpen       = "circuit_breakers_open"
	MetricQuarantinedTenants = "quarantined_tenants"
	MetricIsolatedTenants    = "isolated_tenants"
	MetricServicesBroken     = "services_circuit_broken"
	MetricFailureEvents      = "failure_events_total"
	MetricQueueFailureRate   = "queue_failure_rate"
	MetricQueuePending       = "queue_pending"
	MetricQueueDeadLettered  = "queue_dead_lettered"
)

// MetricsProvider supplies values for rule conditions. ok is false when the
// metric is unknown. Implementation is in data layer (data.MetricsRepo).
type MetricsProvider interface {
	GetMetric(ctx context.Context, name, aggregation string) (value float64, ok bool, err error)
}

// ControlPlaneMetrics answers built-in metrics from the managers and defers
// everything else to an external provider.
type ControlPlaneMetrics struct {
	breakers *BreakerRegistry
	queues   *QueueBoundaryManager
	domains  *FailureDomainManager
	external MetricsProvider
}

// NewControlPlaneMetrics composes the managers in front of external. Any
// argument may be nil.
func NewControlPlaneMetrics(breakers *BreakerRegistry, queues *QueueBoundaryManager, domains *FailureDomainManager, external MetricsProvider) *ControlPlaneMetrics {
	return &ControlPlaneMetrics{breakers: breakers, queues: queues, domains: domains, external: external}
}

// GetMetric implements MetricsProvider.
func (p *ControlPlaneMetrics) GetMetric(ctx context.Context, name, aggregation string) (float64, bool, error) {
	if v, ok := p.builtin(name); ok {
		return v, true, nil
	}
	if p.external == nil {
		return 0, false, nil
	}
	return p.external.GetMetric(ctx, name, aggregation)
}

func (p *ControlPlaneMetrics) builtin(name string) (float64, bool) {
	switch name {
	case MetricBreakersOpen:
		if p.breakers == nil {
			return 0, false
		}
		return float64(p.breakers.OpenCount()), true
	case MetricQuarantinedTenants, MetricIsolatedTenants, MetricServicesBroken, MetricFailureEvents:
		if p.domains == nil {
			return 0, false
		}
		st := p.domains.GetFailureDomainStatistics()
		switch name {
		case MetricQuarantinedTenants:
			return float64(st.TenantsByStatus[IsolationQuarantined]), true
		case MetricIsolatedTenants:
			return float64(st.TenantsByStatus[IsolationIsolated]), true
		case MetricServicesBroken:
			return float64(len(st.CircuitBrokenServices)), true
		default:
			return float64(st.TotalEvents), true
		}
	}

	metric, queue, found := strings.Cut(name, ":")
	if !found || p.queues == nil {
		return 0, false
	}
	switch metric {
	case MetricQueueFailureRate, MetricQueuePending, MetricQueueDeadLettered:
	default:
		return 0, false
	}
	m, err := p.queues.GetBoundaryMetrics(queue)
	if err != nil {
		return 0, false
	}
	switch metric {
	case MetricQueueFailureRate:
		return m.FailureRate, true
	case MetricQueuePending:
		return float64(m.Pending), true
	default:
		return float64(m.DeadLettered), true
	}
}
