package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
	pkgerrors "Bulwark/pkg/errors"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

const (
	defaultQuietPeriod         = 5 * time.Minute
	defaultMaxRecoveryAttempts = 3
	defaultEventRetention      = 24 * time.Hour
)

// FailureOption scopes a reported or protected failure.
type FailureOption func(*failureOptions)

type failureOptions struct {
	service   string
	component string
	timeout   time.Duration
}

// WithService names the service the failure belongs to.
func WithService(id string) FailureOption {
	return func(o *failureOptions) { o.service = id }
}

// WithComponent names the failing component.
func WithComponent(name string) FailureOption {
	return func(o *failureOptions) { o.component = name }
}

// WithTimeout overrides the domain's operation timeout.
func WithTimeout(d time.Duration) FailureOption {
	return func(o *failureOptions) { o.timeout = d }
}

// TenantIsolationState is a snapshot of one tenant's containment.
type TenantIsolationState struct {
	TenantID         string          `json:"tenant_id"`
	Status           IsolationStatus `json:"status"`
	RecentFailures   int             `json:"recent_failures"`
	TotalFailures    int             `json:"total_failures"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	AffectedServices []string        `json:"affected_services,omitempty"`
	LastFailureAt    time.Time       `json:"last_failure_at"`
	ChangedAt        time.Time       `json:"changed_at"`
}

// ServiceHealth is a snapshot of one service's containment.
type ServiceHealth struct {
	ServiceID     string        `json:"service_id"`
	Domain        FailureDomain `json:"domain"`
	Status        ServiceStatus `json:"status"`
	Failures      int           `json:"failures"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	ChangedAt     time.Time     `json:"changed_at"`
}

// FailureDomainStatistics aggregates the manager's state.
type FailureDomainStatistics struct {
	TotalEvents           int                         `json:"total_events"`
	EventsByDomain        map[FailureDomain]int       `json:"events_by_domain"`
	EventsBySeverity      map[model.Severity]int      `json:"events_by_severity"`
	EventsByStrategy      map[ContainmentStrategy]int `json:"events_by_strategy"`
	TenantsByStatus       map[IsolationStatus]int     `json:"tenants_by_status"`
	ServicesByStatus      map[ServiceStatus]int       `json:"services_by_status"`
	QuarantinedTenants    []string                    `json:"quarantined_tenants"`
	CircuitBrokenServices []string                    `json:"circuit_broken_services"`
}

type tenantState struct {
	mu               sync.Mutex
	status           IsolationStatus
	failures         map[FailureDomain][]time.Time
	totalFailures    int
	recoveryAttempts int
	services         map[string]struct{}
	lastFailureAt    time.Time
	changedAt        time.Time
}

// record prunes the domain's window and appends now. It returns the
// failures of that domain still inside the window.
func (t *tenantState) record(domain FailureDomain, window time.Duration, now time.Time) int {
	list := t.failures[domain]
	if window > 0 {
		cutoff := now.Add(-window)
		i := 0
		for i < len(list) && list[i].Before(cutoff) {
			i++
		}
		list = list[i:]
	}
	list = append(list, now)
	t.failures[domain] = list
	return len(list)
}

// recent counts failures still inside their own domain's window.
func (t *tenantState) recent(window func(FailureDomain) time.Duration, now time.Time) int {
	n := 0
	for domain, list := range t.failures {
		w := window(domain)
		for _, at := range list {
			if w <= 0 || !at.Before(now.Add(-w)) {
				n++
			}
		}
	}
	return n
}

type serviceState struct {
	mu            sync.Mutex
	domain        FailureDomain
	status        ServiceStatus
	failures      int
	lastFailureAt time.Time
	changedAt     time.Time
}

type isolationChange struct {
	tenant   string
	from, to IsolationStatus
	reason   string
}

type serviceChange struct {
	service  string
	from, to ServiceStatus
	reason   string
}

// FailureDomainManager classifies reported failures, picks a containment
// strategy and tracks tenant and service containment state.
type FailureDomainManager struct {
	configs        map[FailureDomain]DomainConfig
	serviceTenants map[string]int
	quietPeriod    time.Duration
	maxRecoveries  int
	retention      time.Duration

	breakers *BreakerRegistry
	queues   *QueueBoundaryManager
	audit    AuditSink
	outbox   *EventOutbox
	recorder *metrics.Recorder
	logger   *pkglog.LogHelper
	now      func() time.Time

	mu       sync.RWMutex
	tenants  map[string]*tenantState
	services map[string]*serviceState

	eventsMu sync.Mutex
	events   []FailureEvent
}

// NewFailureDomainManager creates a manager. breakers and queues may be nil;
// when set, a circuit-broken service forces its breaker open and a
// quarantined tenant is quarantined on every queue boundary.
func NewFailureDomainManager(c *conf.Resilience, breakers *BreakerRegistry, queues *QueueBoundaryManager, audit AuditSink, outbox *EventOutbox, recorder *metrics.Recorder, logger log.Logger) *FailureDomainManager {
	m := &FailureDomainManager{
		configs:        DefaultDomainConfigs(),
		serviceTenants: map[string]int{},
		quietPeriod:    defaultQuietPeriod,
		maxRecoveries:  defaultMaxRecoveryAttempts,
		retention:      defaultEventRetention,
		breakers:       breakers,
		queues:         queues,
		audit:          audit,
		outbox:         outbox,
		recorder:       recorder,
		logger:         pkglog.NewLogHelper(logger),
		now:            time.Now,
		tenants:        make(map[string]*tenantState),
		services:       make(map[string]*serviceState),
	}
	if c == nil {
		return m
	}
	m.configs = DomainConfigsFromConf(c.Domains)
	for k, v := range c.ServiceTenants {
		m.serviceTenants[k] = v
	}
	if c.Recovery.QuietPeriod > 0 {
		m.quietPeriod = c.Recovery.QuietPeriod
	}
	if c.Recovery.MaxAttempts > 0 {
		m.maxRecoveries = c.Recovery.MaxAttempts
	}
	if c.EventRetention > 0 {
		m.retention = c.EventRetention
	}
	return m
}

// Config returns the configuration used for domain.
func (m *FailureDomainManager) Config(domain FailureDomain) DomainConfig {
	if cfg, ok := m.configs[domain]; ok {
		return cfg
	}
	return DomainConfig{FailureWindow: 5 * time.Minute, RecoveryTimeout: 5 * time.Minute}
}

func (m *FailureDomainManager) tenant(id string, create bool) *tenantState {
	m.mu.RLock()
	t, ok := m.tenants[id]
	m.mu.RUnlock()
	if ok || !create {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.tenants[id]; ok {
		return t
	}
	t = &tenantState{
		status:    IsolationNormal,
		failures:  map[FailureDomain][]time.Time{},
		services:  map[string]struct{}{},
		changedAt: m.now(),
	}
	m.tenants[id] = t
	return t
}

func (m *FailureDomainManager) service(id string, domain FailureDomain, create bool) *serviceState {
	m.mu.RLock()
	s, ok := m.services[id]
	m.mu.RUnlock()
	if ok || !create {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.services[id]; ok {
		return s
	}
	s = &serviceState{domain: domain, status: ServiceHealthy, changedAt: m.now()}
	m.services[id] = s
	return s
}

// ReportFailure records a failure, applies containment and returns the event.
func (m *FailureDomainManager) ReportFailure(ctx context.Context, domain FailureDomain, severity model.Severity, message, tenantID string, opts ...FailureOption) FailureEvent {
	o := failureOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := m.Config(domain)
	strategy := selectStrategy(domain, severity, tenantID, cfg)
	now := m.now()

	serviceKey := o.service
	if serviceKey == "" {
		serviceKey = o.component
	}

	var (
		isoChanges []isolationChange
		svcChanges []serviceChange
		tenantSvcs []string
	)

	if tenantID != "" {
		t := m.tenant(tenantID, true)
		t.mu.Lock()
		inWindow := t.record(domain, cfg.FailureWindow, now)
		t.totalFailures++
		t.lastFailureAt = now
		if serviceKey != "" {
			t.services[serviceKey] = struct{}{}
		}
		if strategy == StrategyIsolate {
			next := IsolationIsolated
			if cfg.MaxConcurrentFailures > 0 && inWindow >= cfg.MaxConcurrentFailures {
				next = IsolationQuarantined
			}
			if next.rank() > t.status.rank() {
				isoChanges = append(isoChanges, isolationChange{tenant: tenantID, from: t.status, to: next,
					reason: fmt.Sprintf("%d %s failures within %s", inWindow, domain, cfg.FailureWindow)})
				t.status = next
				t.changedAt = now
			}
		}
		tenantSvcs = sortedKeys(t.services)
		t.mu.Unlock()
	}

	if strategy == StrategyDegrade || strategy == StrategyCircuitBreak {
		if serviceKey == "" {
			serviceKey = strings.ToLower(string(domain))
		}
	}
	if serviceKey != "" && (o.service != "" || strategy == StrategyDegrade || strategy == StrategyCircuitBreak) {
		s := m.service(serviceKey, domain, true)
		s.mu.Lock()
		s.failures++
		s.lastFailureAt = now
		next := s.status
		switch strategy {
		case StrategyDegrade:
			next = ServiceWarning
			if cfg.MaxConcurrentFailures > 0 && s.failures >= cfg.MaxConcurrentFailures {
				next = ServiceDegraded
			}
		case StrategyCircuitBreak:
			next = ServiceCircuitBroken
		}
		if next.rank() > s.status.rank() {
			svcChanges = append(svcChanges, serviceChange{service: serviceKey, from: s.status, to: next,
				reason: fmt.Sprintf("%d failures", s.failures)})
			s.status = next
			s.changedAt = now
		}
		s.mu.Unlock()
	}

	ev := FailureEvent{
		ID:            uuid.NewString(),
		Domain:        domain,
		Severity:      severity,
		TenantID:      tenantID,
		ServiceID:     o.service,
		Component:     o.component,
		Message:       message,
		CorrelationID: pkglog.GetCorrelationID(ctx),
		BlastRadius:   m.blastRadius(domain, tenantID, serviceKey, tenantSvcs),
		Strategy:      strategy,
		OccurredAt:    now,
	}
	m.eventsMu.Lock()
	m.events = append(m.events, ev)
	m.eventsMu.Unlock()

	m.recorder.FailureEvent(string(domain), string(severity), string(strategy))
	m.logger.Containment("failure contained", "domain", domain, "severity", severity, "strategy", strategy,
		"tenant_id", tenantID, "service", serviceKey, "impact", ev.BlastRadius.Impact, "error", message)
	recordAudit(ctx, m.audit, model.AuditEntry{
		TenantID:     tenantID,
		Action:       model.AuditFailureContained,
		ResourceType: "failure_domain",
		ResourceID:   string(domain),
		Outcome:      model.OutcomeSuccess,
		Severity:     severity,
		Metadata: map[string]interface{}{
			"event_id": ev.ID, "strategy": string(strategy), "service": serviceKey,
			"impact": string(ev.BlastRadius.Impact), "message": message,
		},
	})
	m.outbox.Publish(model.ResilienceEvent{
		Kind:     model.EventFailureContained,
		Subject:  string(domain),
		TenantID: tenantID,
		Severity: severity,
		Attributes: map[string]string{
			"event_id": ev.ID, "strategy": string(strategy), "impact": string(ev.BlastRadius.Impact),
		},
	})
	m.applyIsolation(ctx, isoChanges)
	m.applyService(ctx, svcChanges)
	return ev.clone()
}

// blastRadius estimates who a failure reaches.
func (m *FailureDomainManager) blastRadius(domain FailureDomain, tenantID, serviceKey string, tenantSvcs []string) BlastRadius {
	switch {
	case domain == DomainDatabase || domain == DomainQueue:
		m.mu.RLock()
		services := make([]string, 0, len(m.services))
		for id := range m.services {
			services = append(services, id)
		}
		estimate := len(m.tenants)
		m.mu.RUnlock()
		sort.Strings(services)
		total := 0
		for _, n := range m.serviceTenants {
			total += n
		}
		if total > estimate {
			estimate = total
		}
		return BlastRadius{AffectedServices: services, EstimatedTenants: estimate, AllTenants: true, Impact: ImpactExtensive}
	case tenantID != "":
		impact := ImpactLimited
		if len(tenantSvcs) > 1 {
			impact = ImpactModerate
		}
		return BlastRadius{AffectedTenants: []string{tenantID}, AffectedServices: tenantSvcs, EstimatedTenants: 1, Impact: impact}
	case domain == DomainService:
		estimate, ok := m.serviceTenants[serviceKey]
		if !ok {
			estimate = defaultServiceTenants
		}
		var services []string
		if serviceKey != "" {
			services = []string{serviceKey}
		}
		return BlastRadius{AffectedServices: services, EstimatedTenants: estimate, Impact: serviceImpact(estimate)}
	case domain == DomainCache || domain == DomainExternal:
		var services []string
		if serviceKey != "" {
			services = []string{serviceKey}
		}
		return BlastRadius{AffectedServices: services, EstimatedTenants: defaultServiceTenants, Impact: ImpactModerate}
	default:
		return BlastRadius{Impact: ImpactLimited}
	}
}

func (m *FailureDomainManager) applyIsolation(ctx context.Context, changes []isolationChange) {
	if len(changes) == 0 {
		return
	}
	for _, c := range changes {
		sev := model.SeverityMedium
		if c.to == IsolationQuarantined {
			sev = model.SeverityHigh
		}
		if c.to == IsolationNormal {
			m.logger.Recovery("tenant isolation changed", "tenant_id", c.tenant, "from", c.from, "to", c.to, "reason", c.reason)
		} else {
			m.logger.Containment("tenant isolation changed", "tenant_id", c.tenant, "from", c.from, "to", c.to, "reason", c.reason)
		}
		recordAudit(ctx, m.audit, model.AuditEntry{
			TenantID:     c.tenant,
			Action:       model.AuditTenantIsolationChanged,
			ResourceType: "tenant",
			ResourceID:   c.tenant,
			Outcome:      model.OutcomeSuccess,
			Severity:     sev,
			Metadata:     map[string]interface{}{"from": string(c.from), "to": string(c.to), "reason": c.reason},
		})
		m.outbox.Publish(model.ResilienceEvent{
			Kind:     model.EventTenantIsolationChanged,
			Subject:  c.tenant,
			TenantID: c.tenant,
			From:     string(c.from),
			To:       string(c.to),
			Severity: sev,
		})
		m.syncQueueQuarantine(ctx, c)
	}
	m.refreshTenantGauge()
}

// syncQueueQuarantine mirrors tenant quarantine onto every queue boundary.
func (m *FailureDomainManager) syncQueueQuarantine(ctx context.Context, c isolationChange) {
	if m.queues == nil {
		return
	}
	switch {
	case c.to == IsolationQuarantined:
		for _, q := range m.queues.Queues() {
			if err := m.queues.QuarantineTenant(ctx, q, c.tenant, "tenant quarantined by failure domain"); err != nil {
				m.logger.Warnw("msg", "failed to quarantine tenant on queue", "queue", q, "tenant_id", c.tenant, "error", err)
			}
		}
	case c.from == IsolationQuarantined:
		for _, q := range m.queues.Queues() {
			if err := m.queues.RemoveTenantQuarantine(ctx, q, c.tenant); err != nil {
				m.logger.Warnw("msg", "failed to lift tenant quarantine on queue", "queue", q, "tenant_id", c.tenant, "error", err)
			}
		}
	}
}

func (m *FailureDomainManager) applyService(ctx context.Context, changes []serviceChange) {
	for _, c := range changes {
		sev := model.SeverityMedium
		switch c.to {
		case ServiceCircuitBroken:
			sev = model.SeverityHigh
		case ServiceHealthy:
			sev = model.SeverityLow
		}
		if c.to == ServiceHealthy {
			m.logger.Recovery("service status changed", "service", c.service, "from", c.from, "to", c.to, "reason", c.reason)
		} else {
			m.logger.Containment("service status changed", "service", c.service, "from", c.from, "to", c.to, "reason", c.reason)
		}
		recordAudit(ctx, m.audit, model.AuditEntry{
			Action:       model.AuditServiceStatusChanged,
			ResourceType: "service",
			ResourceID:   c.service,
			Outcome:      model.OutcomeSuccess,
			Severity:     sev,
			Metadata:     map[string]interface{}{"from": string(c.from), "to": string(c.to), "reason": c.reason},
		})
		m.outbox.Publish(model.ResilienceEvent{
			Kind:     model.EventServiceStatusChanged,
			Subject:  c.service,
			From:     string(c.from),
			To:       string(c.to),
			Severity: sev,
		})
		if m.breakers == nil {
			continue
		}
		switch {
		case c.to == ServiceCircuitBroken:
			m.breakers.Get(c.service).ForceState(ctx, BreakerOpen, "service circuit broken by failure domain")
		case c.from == ServiceCircuitBroken && c.to == ServiceHealthy:
			if cb, ok := m.breakers.Lookup(c.service); ok {
				cb.Reset(ctx)
			}
		}
	}
}

func (m *FailureDomainManager) refreshTenantGauge() {
	if m.recorder == nil {
		return
	}
	counts := m.tenantCounts()
	for _, s := range []IsolationStatus{IsolationNormal, IsolationDegraded, IsolationIsolated, IsolationQuarantined} {
		m.recorder.TenantStatus(string(s), counts[s])
	}
}

func (m *FailureDomainManager) tenantCounts() map[IsolationStatus]int {
	m.mu.RLock()
	states := make([]*tenantState, 0, len(m.tenants))
	for _, t := range m.tenants {
		states = append(states, t)
	}
	m.mu.RUnlock()
	counts := map[IsolationStatus]int{}
	for _, t := range states {
		t.mu.Lock()
		counts[t.status]++
		t.mu.Unlock()
	}
	return counts
}

// ExecuteWithFailureProtection runs op under the domain's timeout. A failure
// is classified and reported; when the domain allows it the fallback's
// result replaces the error. A failing fallback is logged and the original
// error is returned.
func (m *FailureDomainManager) ExecuteWithFailureProtection(ctx context.Context, domain FailureDomain, tenantID string, op Operation, fallback Fallback, opts ...FailureOption) (interface{}, error) {
	o := failureOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := m.Config(domain)

	if tenantID != "" && m.IsTenantQuarantined(tenantID) {
		return nil, withMeta(ErrTenantQuarantined, "tenant_id", tenantID)
	}
	if o.service != "" && m.IsServiceCircuitBroken(o.service) {
		err := withMeta(ErrServiceCircuitBroken, "service", o.service)
		if fallback != nil && cfg.FallbackEnabled {
			return m.runFallback(ctx, domain, tenantID, err, fallback)
		}
		return nil, err
	}

	timeout := cfg.OperationTimeout
	if o.timeout > 0 {
		timeout = o.timeout
	}
	v, err := runWithTimeout(ctx, timeout, op)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil, err
	}

	severity := pkgerrors.ClassifySeverity(err)
	if IsOperationTimeout(err) {
		severity = model.SeverityMedium
	}
	m.ReportFailure(ctx, domain, severity, err.Error(), tenantID, opts...)

	if fallback != nil && cfg.FallbackEnabled {
		return m.runFallback(ctx, domain, tenantID, err, fallback)
	}
	return nil, err
}

func (m *FailureDomainManager) runFallback(ctx context.Context, domain FailureDomain, tenantID string, cause error, fallback Fallback) (interface{}, error) {
	v, err := safeCall(ctx, func(ctx context.Context) (interface{}, error) {
		return fallback(ctx, cause)
	})
	if err != nil {
		m.logger.Errorw("msg", "fallback failed", "type", "containment", "domain", domain,
			"tenant_id", tenantID, "error", err, "cause", cause)
		return nil, cause
	}
	return v, nil
}

// RecoverTenant returns an isolated tenant to NORMAL. Without force the
// tenant must have been quiet for the quiet period and be under the
// recovery-attempt cap; force skips both checks and resets the counter.
func (m *FailureDomainManager) RecoverTenant(ctx context.Context, tenantID string, force bool) (bool, error) {
	if tenantID == "" {
		return false, errors.BadRequest("INVALID_TENANT", "tenant id is required")
	}
	t := m.tenant(tenantID, false)
	if t == nil {
		return false, nil
	}
	now := m.now()
	t.mu.Lock()
	if t.status == IsolationNormal {
		t.mu.Unlock()
		return false, nil
	}
	if !force {
		if now.Sub(t.lastFailureAt) < m.quietPeriod || t.recoveryAttempts >= m.maxRecoveries {
			attempts := t.recoveryAttempts
			t.mu.Unlock()
			m.logger.Debugw("msg", "tenant not yet recoverable", "type", "recovery", "tenant_id", tenantID,
				"recovery_attempts", attempts)
			return false, nil
		}
		t.recoveryAttempts++
	} else {
		t.recoveryAttempts = 0
	}
	change := isolationChange{tenant: tenantID, from: t.status, to: IsolationNormal, reason: "recovered"}
	if force {
		change.reason = "forced recovery"
	}
	t.status = IsolationNormal
	t.failures = map[FailureDomain][]time.Time{}
	t.changedAt = now
	attempts := t.recoveryAttempts
	t.mu.Unlock()

	m.applyIsolation(ctx, []isolationChange{change})
	recordAudit(ctx, m.audit, model.AuditEntry{
		TenantID:     tenantID,
		Action:       model.AuditTenantRecovered,
		ResourceType: "tenant",
		ResourceID:   tenantID,
		Outcome:      model.OutcomeSuccess,
		Severity:     model.SeverityLow,
		Metadata:     map[string]interface{}{"from": string(change.from), "force": force, "recovery_attempts": attempts},
	})
	return true, nil
}

// RecoverTenants attempts unforced recovery of every contained tenant.
func (m *FailureDomainManager) RecoverTenants(ctx context.Context) int {
	recovered := 0
	for _, id := range m.containedTenants() {
		ok, err := m.RecoverTenant(ctx, id, false)
		if err != nil {
			m.logger.Warnw("msg", "tenant recovery failed", "type", "recovery", "tenant_id", id, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered
}

func (m *FailureDomainManager) containedTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0)
	for id, t := range m.tenants {
		t.mu.Lock()
		if t.status != IsolationNormal {
			ids = append(ids, id)
		}
		t.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// RecoverServices returns services to HEALTHY once their domain's recovery
// timeout has passed since the last failure.
func (m *FailureDomainManager) RecoverServices(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	now := m.now()
	var changes []serviceChange
	for _, id := range ids {
		s := m.service(id, "", false)
		if s == nil {
			continue
		}
		s.mu.Lock()
		if s.status != ServiceHealthy && now.Sub(s.lastFailureAt) >= m.Config(s.domain).RecoveryTimeout {
			changes = append(changes, serviceChange{service: id, from: s.status, to: ServiceHealthy, reason: "recovery timeout elapsed"})
			s.status = ServiceHealthy
			s.failures = 0
			s.changedAt = now
		}
		s.mu.Unlock()
	}
	m.applyService(ctx, changes)
	return len(changes)
}

// Cleanup drops events past retention and forgets idle NORMAL tenants and
// HEALTHY services.
func (m *FailureDomainManager) Cleanup() int {
	cutoff := m.now().Add(-m.retention)

	m.eventsMu.Lock()
	i := 0
	for i < len(m.events) && m.events[i].OccurredAt.Before(cutoff) {
		i++
	}
	removed := i
	m.events = append([]FailureEvent(nil), m.events[i:]...)
	m.eventsMu.Unlock()

	m.mu.Lock()
	for id, t := range m.tenants {
		t.mu.Lock()
		if t.status == IsolationNormal && t.lastFailureAt.Before(cutoff) {
			delete(m.tenants, id)
		}
		t.mu.Unlock()
	}
	for id, s := range m.services {
		s.mu.Lock()
		if s.status == ServiceHealthy && s.lastFailureAt.Before(cutoff) {
			delete(m.services, id)
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()
	return removed
}

// GetTenantIsolationStatus returns NORMAL for unknown tenants.
func (m *FailureDomainManager) GetTenantIsolationStatus(tenantID string) IsolationStatus {
	t := m.tenant(tenantID, false)
	if t == nil {
		return IsolationNormal
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsTenantQuarantined reports whether tenantID is QUARANTINED.
func (m *FailureDomainManager) IsTenantQuarantined(tenantID string) bool {
	return m.GetTenantIsolationStatus(tenantID) == IsolationQuarantined
}

// TenantState returns a snapshot of one tenant.
func (m *FailureDomainManager) TenantState(tenantID string) (TenantIsolationState, bool) {
	t := m.tenant(tenantID, false)
	if t == nil {
		return TenantIsolationState{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return TenantIsolationState{
		TenantID:         tenantID,
		Status:           t.status,
		RecentFailures:   t.recent(func(d FailureDomain) time.Duration { return m.Config(d).FailureWindow }, m.now()),
		TotalFailures:    t.totalFailures,
		RecoveryAttempts: t.recoveryAttempts,
		AffectedServices: sortedKeys(t.services),
		LastFailureAt:    t.lastFailureAt,
		ChangedAt:        t.changedAt,
	}, true
}

// ServiceState returns a snapshot of one service.
func (m *FailureDomainManager) ServiceState(serviceID string) (ServiceHealth, bool) {
	s := m.service(serviceID, "", false)
	if s == nil {
		return ServiceHealth{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ServiceHealth{
		ServiceID:     serviceID,
		Domain:        s.domain,
		Status:        s.status,
		Failures:      s.failures,
		LastFailureAt: s.lastFailureAt,
		ChangedAt:     s.changedAt,
	}, true
}

// IsServiceCircuitBroken reports whether serviceID is CIRCUIT_BROKEN.
func (m *FailureDomainManager) IsServiceCircuitBroken(serviceID string) bool {
	s, ok := m.ServiceState(serviceID)
	return ok && s.Status == ServiceCircuitBroken
}

// Events returns up to limit of the most recent failure events, oldest first.
func (m *FailureDomainManager) Events(limit int) []FailureEvent {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	start := 0
	if limit > 0 && len(m.events) > limit {
		start = len(m.events) - limit
	}
	out := make([]FailureEvent, 0, len(m.events)-start)
	for _, ev := range m.events[start:] {
		out = append(out, ev.clone())
	}
	return out
}

// GetFailureDomainStatistics aggregates events, tenants and services.
func (m *FailureDomainManager) GetFailureDomainStatistics() FailureDomainStatistics {
	st := FailureDomainStatistics{
		EventsByDomain:        map[FailureDomain]int{},
		EventsBySeverity:      map[model.Severity]int{},
		EventsByStrategy:      map[ContainmentStrategy]int{},
		ServicesByStatus:      map[ServiceStatus]int{},
		QuarantinedTenants:    []string{},
		CircuitBrokenServices: []string{},
	}

	m.eventsMu.Lock()
	st.TotalEvents = len(m.events)
	for _, ev := range m.events {
		st.EventsByDomain[ev.Domain]++
		st.EventsBySeverity[ev.Severity]++
		st.EventsByStrategy[ev.Strategy]++
	}
	m.eventsMu.Unlock()

	st.TenantsByStatus = m.tenantCounts()

	m.mu.RLock()
	for id, t := range m.tenants {
		t.mu.Lock()
		if t.status == IsolationQuarantined {
			st.QuarantinedTenants = append(st.QuarantinedTenants, id)
		}
		t.mu.Unlock()
	}
	for id, s := range m.services {
		s.mu.Lock()
		st.ServicesByStatus[s.status]++
		if s.status == ServiceCircuitBroken {
			st.CircuitBrokenServices = append(st.CircuitBrokenServices, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Strings(st.QuarantinedTenants)
	sort.Strings(st.CircuitBrokenServices)
	return st
}
