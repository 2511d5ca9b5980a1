package service

import (
	"context"
	"sort"

	"Bulwark/internal/biz"
	"Bulwark/internal/model"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	reasonBreakerNotFound = "CIRCUIT_BREAKER_NOT_FOUND"
	reasonReportMissing   = "VALIDATION_REPORT_NOT_FOUND"
	reasonBadRequest      = "BAD_REQUEST"
)

// BreakerDetail is one breaker with its recent event log.
type BreakerDetail struct {
	Metrics biz.BreakerMetrics `json:"metrics"`
	Events  []biz.BreakerEvent `json:"events"`
}

// BreakersReply lists every registered breaker.
type BreakersReply struct {
	Open     int                  `json:"open"`
	Breakers []biz.BreakerMetrics `json:"breakers"`
}

// QueuesReply lists every queue boundary.
type QueuesReply struct {
	Queues []biz.QueueBoundaryMetrics `json:"queues"`
}

// DeadLettersReply lists dead-lettered messages of one queue.
type DeadLettersReply struct {
	Queue   string                    `json:"queue"`
	Records []*model.DeadLetterRecord `json:"records"`
}

// TenantReply is the containment state of one tenant. Unknown tenants are NORMAL.
type TenantReply struct {
	TenantID string                    `json:"tenant_id"`
	Status   biz.IsolationStatus       `json:"status"`
	State    *biz.TenantIsolationState `json:"state,omitempty"`
}

// FailureEventsReply lists the most recent failure events in occurrence order.
type FailureEventsReply struct {
	Events []biz.FailureEvent `json:"events"`
}

// RulesReply lists validation rules.
type RulesReply struct {
	Rules []biz.ValidationRule `json:"rules"`
}

// HistoryReply lists validation results.
type HistoryReply struct {
	RuleID  string                 `json:"rule_id,omitempty"`
	Results []biz.ValidationResult `json:"results"`
}

// ResilienceService serves read-only views over the control plane.
type ResilienceService struct {
	breakers  *biz.BreakerRegistry
	queues    *biz.QueueBoundaryManager
	domains   *biz.FailureDomainManager
	validator *biz.AutomatedValidator
	logger    *log.Helper
}

// NewResilienceService creates a new ResilienceService instance.
func NewResilienceService(
	breakers *biz.BreakerRegistry,
	queues *biz.QueueBoundaryManager,
	domains *biz.FailureDomainManager,
	validator *biz.AutomatedValidator,
	logger log.Logger,
) *ResilienceService {
	return &ResilienceService{
		breakers:  breakers,
		queues:    queues,
		domains:   domains,
		validator: validator,
		logger:    log.NewHelper(logger),
	}
}

// ListBreakers returns every breaker sorted by name.
func (s *ResilienceService) ListBreakers(_ context.Context) (*BreakersReply, error) {
	list := s.breakers.Metrics()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return &BreakersReply{Open: s.breakers.OpenCount(), Breakers: list}, nil
}

// GetBreaker returns one breaker. Lookups never create breakers.
func (s *ResilienceService) GetBreaker(_ context.Context, name string) (*BreakerDetail, error) {
	cb, ok := s.breakers.Lookup(name)
	if !ok {
		return nil, errors.NotFound(reasonBreakerNotFound, "circuit breaker not found").
			WithMetadata(map[string]string{"name": name})
	}
	return &BreakerDetail{Metrics: cb.GetMetrics(), Events: cb.Events()}, nil
}

// ListQueues returns every queue boundary.
func (s *ResilienceService) ListQueues(_ context.Context) (*QueuesReply, error) {
	return &QueuesReply{Queues: s.queues.AllMetrics()}, nil
}

// GetQueue returns one queue boundary.
func (s *ResilienceService) GetQueue(_ context.Context, queue string) (*biz.QueueBoundaryMetrics, error) {
	m, err := s.queues.GetBoundaryMetrics(queue)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListDeadLetters returns the newest dead letters of a queue.
func (s *ResilienceService) ListDeadLetters(ctx context.Context, queue string, limit int) (*DeadLettersReply, error) {
	records, err := s.queues.DeadLetters(ctx, queue, clampLimit(limit))
	if err != nil {
		if !biz.ErrQueueNotFound.Is(err) {
			s.logger.Errorw("msg", "failed to list dead letters", "queue", queue, "error", err)
		}
		return nil, err
	}
	return &DeadLettersReply{Queue: queue, Records: records}, nil
}

// FailureStatistics returns the failure domain aggregates.
func (s *ResilienceService) FailureStatistics(_ context.Context) (*biz.FailureDomainStatistics, error) {
	stats := s.domains.GetFailureDomainStatistics()
	return &stats, nil
}

// ListFailureEvents returns recent failure events.
func (s *ResilienceService) ListFailureEvents(_ context.Context, limit int) (*FailureEventsReply, error) {
	return &FailureEventsReply{Events: s.domains.Events(clampLimit(limit))}, nil
}

// GetTenant returns the isolation state of a tenant.
func (s *ResilienceService) GetTenant(_ context.Context, tenantID string) (*TenantReply, error) {
	if tenantID == "" {
		return nil, errors.BadRequest(reasonBadRequest, "tenant id is required")
	}
	reply := &TenantReply{TenantID: tenantID, Status: s.domains.GetTenantIsolationStatus(tenantID)}
	if st, ok := s.domains.TenantState(tenantID); ok {
		reply.State = &st
	}
	return reply, nil
}

// ListRules returns the validation rules.
func (s *ResilienceService) ListRules(_ context.Context) (*RulesReply, error) {
	return &RulesReply{Rules: s.validator.ListValidationRules()}, nil
}

// ValidationHistory returns results, optionally for one rule.
func (s *ResilienceService) ValidationHistory(_ context.Context, ruleID string, limit int) (*HistoryReply, error) {
	if ruleID != "" {
		if _, err := s.validator.GetValidationRule(ruleID); err != nil {
			return nil, err
		}
	}
	return &HistoryReply{RuleID: ruleID, Results: s.validator.GetValidationHistory(ruleID, clampLimit(limit))}, nil
}

// LastReport returns the most recent full validation report.
func (s *ResilienceService) LastReport(_ context.Context) (*biz.ValidationReport, error) {
	report, ok := s.validator.LastReport()
	if !ok {
		return nil, errors.NotFound(reasonReportMissing, "no validation report has been generated yet")
	}
	return report, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
