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
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultHistoryRetention = 24 * time.Hour
	defaultHistoryLimit     = 1000
	defaultMaxConcurrent    = 4
	defaultAlertsPerSecond  = 1
	defaultAlertBurst       = 5
)

// Built-in remediation handler names.
const (
	RemediationRecoverTenants = "recover_tenants"
	RemediationRestoreQueue   = "restore_queue"
	RemediationIsolateQueue   = "isolate_queue"
	RemediationResetBreaker   = "reset_breaker"
)

// RemediationHandler performs a REMEDIATE action and describes what it did.
type RemediationHandler func(ctx context.Context, action ValidationAction, result ValidationResult) (string, error)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as
// @hourly. Interval descriptors (@every) are refused: the validator ticks
// once per minute and matches wall-clock minutes.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if strings.HasPrefix(spec, "@every") {
		return nil, fmt.Errorf("interval schedule %q is not supported", spec)
	}
	return scheduleParser.Parse(spec)
}

// scheduleDue reports whether s fires in the minute containing t.
func scheduleDue(s cron.Schedule, t time.Time) bool {
	minute := t.Truncate(time.Minute)
	return s.Next(minute.Add(-time.Second)).Equal(minute)
}

type ruleEntry struct {
	rule     ValidationRule
	schedule cron.Schedule
}

// AutomatedValidator evaluates rules against a metrics provider and runs
// their actions.
type AutomatedValidator struct {
	provider      MetricsProvider
	audit         AuditSink
	outbox        *EventOutbox
	recorder      *metrics.Recorder
	logger        *pkglog.LogHelper
	validate      *validator.Validate
	alerts        *rate.Limiter
	retention     time.Duration
	historyLimit  int
	maxConcurrent int
	now           func() time.Time

	mu       sync.RWMutex
	rules    map[string]*ruleEntry
	handlers map[string]RemediationHandler

	historyMu  sync.Mutex
	history    []ValidationResult
	lastReport *ValidationReport
}

// NewAutomatedValidator creates a validator and loads the default and
// configured rules. A configured rule replaces a default with the same id.
func NewAutomatedValidator(c *conf.Resilience, provider MetricsProvider, audit AuditSink, outbox *EventOutbox, recorder *metrics.Recorder, logger log.Logger) (*AutomatedValidator, error) {
	v := &AutomatedValidator{
		provider:      provider,
		audit:         audit,
		outbox:        outbox,
		recorder:      recorder,
		logger:        pkglog.NewLogHelper(logger),
		validate:      validator.New(),
		retention:     defaultHistoryRetention,
		historyLimit:  defaultHistoryLimit,
		maxConcurrent: defaultMaxConcurrent,
		now:           time.Now,
		rules:         make(map[string]*ruleEntry),
		handlers:      make(map[string]RemediationHandler),
	}
	perSecond, burst := float64(defaultAlertsPerSecond), defaultAlertBurst
	var vc conf.Validation
	if c != nil {
		vc = c.Validation
	}
	if vc.HistoryRetention > 0 {
		v.retention = vc.HistoryRetention
	}
	if vc.HistoryLimit > 0 {
		v.historyLimit = vc.HistoryLimit
	}
	if vc.MaxConcurrent > 0 {
		v.maxConcurrent = vc.MaxConcurrent
	}
	if vc.AlertsPerSecond > 0 {
		perSecond = vc.AlertsPerSecond
	}
	if vc.AlertBurst > 0 {
		burst = vc.AlertBurst
	}
	v.alerts = rate.NewLimiter(rate.Limit(perSecond), burst)

	if vc.LoadDefaultRules {
		for _, r := range DefaultValidationRules() {
			if err := v.AddValidationRule(r); err != nil {
				return nil, err
			}
		}
	}
	for _, cr := range vc.Rules {
		r := RuleFromConf(cr)
		err := v.AddValidationRule(r)
		if errors.Is(err, ErrRuleExists) {
			err = v.UpdateValidationRule(r)
		}
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", cr.ID, err)
		}
	}
	return v, nil
}

func (v *AutomatedValidator) check(rule ValidationRule) (cron.Schedule, error) {
	if err := v.validate.Struct(rule); err != nil {
		return nil, withMeta(ErrInvalidRule, "rule_id", rule.ID).WithCause(err)
	}
	sched, err := ParseSchedule(rule.Schedule)
	if err != nil {
		return nil, withMeta(ErrInvalidRule, "rule_id", rule.ID, "schedule", rule.Schedule).WithCause(err)
	}
	return sched, nil
}

// AddValidationRule validates and registers a new rule.
func (v *AutomatedValidator) AddValidationRule(rule ValidationRule) error {
	sched, err := v.check(rule)
	if err != nil {
		return err
	}
	now := v.now()
	rule = rule.clone()
	rule.CreatedAt, rule.UpdatedAt = now, now

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.rules[rule.ID]; ok {
		return withMeta(ErrRuleExists, "rule_id", rule.ID)
	}
	v.rules[rule.ID] = &ruleEntry{rule: rule, schedule: sched}
	return nil
}

// UpdateValidationRule replaces an existing rule, keeping its creation time.
func (v *AutomatedValidator) UpdateValidationRule(rule ValidationRule) error {
	sched, err := v.check(rule)
	if err != nil {
		return err
	}
	rule = rule.clone()

	v.mu.Lock()
	defer v.mu.Unlock()
	old, ok := v.rules[rule.ID]
	if !ok {
		return withMeta(ErrRuleNotFound, "rule_id", rule.ID)
	}
	rule.CreatedAt = old.rule.CreatedAt
	rule.UpdatedAt = v.now()
	v.rules[rule.ID] = &ruleEntry{rule: rule, schedule: sched}
	return nil
}

// DeleteValidationRule removes a rule. Its history is kept.
func (v *AutomatedValidator) DeleteValidationRule(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.rules[id]; !ok {
		return withMeta(ErrRuleNotFound, "rule_id", id)
	}
	delete(v.rules, id)
	return nil
}

// GetValidationRule returns a copy of one rule.
func (v *AutomatedValidator) GetValidationRule(id string) (ValidationRule, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.rules[id]
	if !ok {
		return ValidationRule{}, withMeta(ErrRuleNotFound, "rule_id", id)
	}
	return e.rule.clone(), nil
}

// ListValidationRules returns every rule ordered by id.
func (v *AutomatedValidator) ListValidationRules() []ValidationRule {
	v.mu.RLock()
	out := make([]ValidationRule, 0, len(v.rules))
	for _, e := range v.rules {
		out = append(out, e.rule.clone())
	}
	v.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterRemediation binds a REMEDIATE target name to h.
func (v *AutomatedValidator) RegisterRemediation(name string, h RemediationHandler) {
	v.mu.Lock()
	v.handlers[name] = h
	v.mu.Unlock()
}

// ExecuteValidation runs one rule now, regardless of its schedule.
func (v *AutomatedValidator) ExecuteValidation(ctx context.Context, ruleID string) (*ValidationResult, error) {
	rule, err := v.GetValidationRule(ruleID)
	if err != nil {
		return nil, err
	}
	res := v.run(ctx, rule)
	v.record(res)
	out := res.clone()
	return &out, nil
}

// ExecuteAllValidations runs every enabled rule concurrently and aggregates
// the results.
func (v *AutomatedValidator) ExecuteAllValidations(ctx context.Context) (*ValidationReport, error) {
	started := time.Now()
	var rules []ValidationRule
	for _, r := range v.ListValidationRules() {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	results := v.runAll(ctx, rules)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &ValidationReport{
		ID:          uuid.NewString(),
		GeneratedAt: v.now(),
		TotalRules:  len(results),
		ByType:      map[RuleType]TypeSummary{},
		Results:     results,
	}
	for _, r := range results {
		s := report.ByType[r.RuleType]
		switch r.Status {
		case StatusPass:
			report.PassedRules++
			s.Passed++
		case StatusFail:
			report.FailedRules++
			s.Failed++
		case StatusWarning:
			report.WarningRules++
			s.Warning++
		default:
			report.SkippedRules++
			s.Skipped++
		}
		report.ByType[r.RuleType] = s
	}
	report.OverallStatus = overallStatus(results)
	report.Recommendations = recommendations(report.ByType)
	report.Duration = time.Since(started)

	v.historyMu.Lock()
	v.lastReport = report
	v.historyMu.Unlock()

	v.logger.Validation("validation report generated", "report_id", report.ID, "status", report.OverallStatus,
		"total", report.TotalRules, "passed", report.PassedRules, "failed", report.FailedRules, "warning", report.WarningRules)
	return report, nil
}

// RunDue runs every enabled rule whose schedule fires in t's minute.
func (v *AutomatedValidator) RunDue(ctx context.Context, t time.Time) int {
	v.mu.RLock()
	var due []ValidationRule
	for _, e := range v.rules {
		if e.rule.Enabled && scheduleDue(e.schedule, t) {
			due = append(due, e.rule.clone())
		}
	}
	v.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if len(due) > 0 {
		v.logger.Scheduler("running due validation rules", "count", len(due))
	}
	v.runAll(ctx, due)
	return len(due)
}

func (v *AutomatedValidator) runAll(ctx context.Context, rules []ValidationRule) []ValidationResult {
	results := make([]ValidationResult, len(rules))
	var g errgroup.Group
	g.SetLimit(v.maxConcurrent)
	for i, r := range rules {
		i, r := i, r
		g.Go(func() error {
			results[i] = v.run(ctx, r)
			return nil
		})
	}
	_ = g.Wait()
	for _, res := range results {
		v.record(res)
	}
	return results
}

// run evaluates rule with retries and executes its actions.
func (v *AutomatedValidator) run(ctx context.Context, rule ValidationRule) ValidationResult {
	wall := time.Now()
	res := ValidationResult{
		ID:         uuid.NewString(),
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		RuleType:   rule.Type,
		Violations: []Violation{},
		Actions:    []ActionResult{},
		StartedAt:  v.now(),
	}
	if !rule.Enabled {
		res.Status = StatusSkip
		return res
	}

	var (
		violations []Violation
		err        error
	)
	for attempt := 0; attempt <= rule.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		var out interface{}
		out, err = runWithTimeout(ctx, rule.Timeout, func(ctx context.Context) (interface{}, error) {
			return v.evaluate(ctx, rule)
		})
		if err == nil {
			violations, _ = out.([]Violation)
			break
		}
		if IsOperationTimeout(err) || ctx.Err() != nil || attempt == rule.MaxRetries {
			break
		}
		v.logger.Warnw("msg", "validation attempt failed, retrying", "type", "validation",
			"rule_id", rule.ID, "attempt", res.Attempts, "error", err)
		if !sleepCtx(ctx, rule.RetryDelay) {
			err = ctx.Err()
			break
		}
	}

	switch {
	case err != nil && IsOperationTimeout(err):
		res.Status, res.Severity, res.Error = StatusFail, model.SeverityCritical, err.Error()
	case err != nil:
		res.Status, res.Severity, res.Error = StatusFail, model.SeverityHigh, err.Error()
	default:
		res.Violations = violations
		res.Status, res.Severity = aggregateStatus(violations)
	}
	res.Actions = v.executeActions(ctx, rule, res)
	res.Duration = time.Since(wall)
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (v *AutomatedValidator) evaluate(ctx context.Context, rule ValidationRule) ([]Violation, error) {
	violations := []Violation{}
	for _, c := range rule.Conditions {
		var (
			value float64
			ok    bool
			err   error
		)
		if v.provider != nil {
			value, ok, err = v.provider.GetMetric(ctx, c.Metric, c.Aggregation)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read metric %s: %w", c.Metric, err)
		}
		if !ok {
			violations = append(violations, Violation{
				Condition: c.String(),
				Metric:    c.Metric,
				Actual:    "N/A",
				Expected:  c.Threshold,
				Severity:  model.SeverityMedium,
				Message:   fmt.Sprintf("metric %s is not available", c.Metric),
			})
			continue
		}
		if !c.Operator.Satisfied(value, c.Threshold) {
			violations = append(violations, Violation{
				Condition: c.String(),
				Metric:    c.Metric,
				Actual:    value,
				Expected:  c.Threshold,
				Severity:  rule.Severity,
				Message:   fmt.Sprintf("%s is %v, expected %s %v", c.Metric, value, c.Operator, c.Threshold),
			})
		}
	}
	return violations, nil
}

// triggered decides whether an action runs for a status. REPORT always runs,
// ESCALATE only on FAIL, the rest on any non-passing status.
func triggered(t ActionType, status ValidationStatus) bool {
	switch t {
	case ActionReport:
		return true
	case ActionEscalate:
		return status == StatusFail
	default:
		return status == StatusFail || status == StatusWarning
	}
}

func (v *AutomatedValidator) executeActions(ctx context.Context, rule ValidationRule, res ValidationResult) []ActionResult {
	out := []ActionResult{}
	for _, a := range rule.Actions {
		if !triggered(a.Type, res.Status) {
			continue
		}
		out = append(out, v.executeAction(ctx, rule, res, a))
	}
	return out
}

// executeAction runs one action; a failing or panicking action only fails itself.
func (v *AutomatedValidator) executeAction(ctx context.Context, rule ValidationRule, res ValidationResult, a ValidationAction) (ar ActionResult) {
	ar = ActionResult{Type: a.Type, Target: a.Target}
	outcome := model.OutcomeSuccess
	defer func() {
		if r := recover(); r != nil {
			ar.Result, ar.Error = "action panicked", fmt.Sprint(r)
			outcome = model.OutcomeFailure
		}
		if ar.Error != "" {
			outcome = model.OutcomeFailure
			v.logger.Errorw("msg", "validation action failed", "type", "validation", "rule_id", rule.ID,
				"action", a.Type, "target", a.Target, "error", ar.Error)
		}
		v.auditAction(ctx, rule, res, ar, outcome)
	}()

	switch a.Type {
	case ActionAlert:
		if !v.alerts.AllowN(v.now(), 1) {
			ar.Result = "alert throttled"
			outcome = model.OutcomeDenied
			return ar
		}
		target := orDefault(a.Target, "default")
		v.logger.Alert("validation alert", "rule_id", rule.ID, "status", res.Status, "severity", res.Severity,
			"violations", len(res.Violations), "target", target)
		ar.Result = "alert sent to " + target
	case ActionEscalate:
		target := orDefault(a.Target, "oncall")
		v.logger.Alert("validation escalated", "rule_id", rule.ID, "status", res.Status, "severity", res.Severity,
			"target", target, "error", res.Error)
		ar.Result = "escalated to " + target
	case ActionRemediate:
		v.mu.RLock()
		h, ok := v.handlers[a.Target]
		v.mu.RUnlock()
		if !ok {
			ar.Result = "remediation skipped"
			ar.Error = withMeta(ErrUnknownHandler, "handler", a.Target).Error()
			return ar
		}
		msg, err := h(ctx, a, res)
		if err != nil {
			ar.Result = "remediation failed"
			ar.Error = err.Error()
			return ar
		}
		ar.Result = fmt.Sprintf("remediated by %s: %s", a.Target, msg)
	case ActionReport:
		v.logger.Validation("validation result", "rule_id", rule.ID, "status", res.Status,
			"severity", res.Severity, "violations", len(res.Violations), "attempts", res.Attempts)
		ar.Result = "report recorded"
	default:
		ar.Result = "unsupported action"
		ar.Error = fmt.Sprintf("unsupported action type %q", a.Type)
	}
	return ar
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var actionAudit = map[ActionType]string{
	ActionAlert:     model.AuditValidationAlert,
	ActionEscalate:  model.AuditValidationEscalate,
	ActionRemediate: model.AuditValidationRemediate,
	ActionReport:    model.AuditValidationReport,
}

func (v *AutomatedValidator) auditAction(ctx context.Context, rule ValidationRule, res ValidationResult, ar ActionResult, outcome string) {
	sev := res.Severity
	if sev == "" {
		sev = model.SeverityLow
	}
	action, ok := actionAudit[ar.Type]
	if !ok {
		action = model.AuditValidationReport
	}
	recordAudit(ctx, v.audit, model.AuditEntry{
		Action:       action,
		ResourceType: "validation_rule",
		ResourceID:   rule.ID,
		Outcome:      outcome,
		Severity:     sev,
		Metadata: map[string]interface{}{
			"result_id": res.ID, "status": string(res.Status), "target": ar.Target,
			"result": ar.Result, "error": ar.Error,
		},
	})
	v.outbox.Publish(model.ResilienceEvent{
		Kind:     model.EventValidationAction,
		Subject:  rule.ID,
		Severity: sev,
		Attributes: map[string]string{
			"action": string(ar.Type), "status": string(res.Status), "result": ar.Result,
		},
	})
}

func (v *AutomatedValidator) record(res ValidationResult) {
	v.recorder.ValidationResult(res.RuleID, string(res.Status), res.Duration)
	v.logger.Validation("validation executed", "rule_id", res.RuleID, "status", res.Status,
		"violations", len(res.Violations), "duration", res.Duration)

	v.historyMu.Lock()
	v.history = append(v.history, res.clone())
	if v.historyLimit > 0 && len(v.history) > v.historyLimit {
		v.history = append([]ValidationResult(nil), v.history[len(v.history)-v.historyLimit:]...)
	}
	v.historyMu.Unlock()
}

// GetValidationHistory returns up to limit results for ruleID ("" for all),
// oldest first.
func (v *AutomatedValidator) GetValidationHistory(ruleID string, limit int) []ValidationResult {
	v.historyMu.Lock()
	defer v.historyMu.Unlock()
	var out []ValidationResult
	for _, r := range v.history {
		if ruleID == "" || r.RuleID == ruleID {
			out = append(out, r.clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// LastReport returns the most recent ExecuteAllValidations report.
func (v *AutomatedValidator) LastReport() (*ValidationReport, bool) {
	v.historyMu.Lock()
	defer v.historyMu.Unlock()
	return v.lastReport, v.lastReport != nil
}

// CleanupHistory drops results older than the retention window.
func (v *AutomatedValidator) CleanupHistory() int {
	cutoff := v.now().Add(-v.retention)
	v.historyMu.Lock()
	defer v.historyMu.Unlock()
	i := 0
	for i < len(v.history) && v.history[i].StartedAt.Before(cutoff) {
		i++
	}
	v.history = append([]ValidationResult(nil), v.history[i:]...)
	return i
}

// RegisterBuiltinRemediations binds the remediation handlers that call back
// into containment. Any manager may be nil; its handlers are then skipped.
func RegisterBuiltinRemediations(v *AutomatedValidator, breakers *BreakerRegistry, queues *QueueBoundaryManager, domains *FailureDomainManager) {
	if domains != nil {
		v.RegisterRemediation(RemediationRecoverTenants, func(ctx context.Context, a ValidationAction, _ ValidationResult) (string, error) {
			if id := a.Params["tenant_id"]; id != "" {
				ok, err := domains.RecoverTenant(ctx, id, a.Params["force"] == "true")
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("tenant %s recovered: %t", id, ok), nil
			}
			return fmt.Sprintf("recovered %d tenant(s)", domains.RecoverTenants(ctx)), nil
		})
	}
	if queues != nil {
		v.RegisterRemediation(RemediationRestoreQueue, func(ctx context.Context, a ValidationAction, _ ValidationResult) (string, error) {
			q := a.Params["queue"]
			if q == "" {
				return "", errors.BadRequest("QUEUE_REQUIRED", "queue parameter is required")
			}
			if err := queues.RestoreBoundary(ctx, q); err != nil {
				return "", err
			}
			return "queue " + q + " restored", nil
		})
		v.RegisterRemediation(RemediationIsolateQueue, func(ctx context.Context, a ValidationAction, res ValidationResult) (string, error) {
			q := a.Params["queue"]
			if q == "" {
				return "", errors.BadRequest("QUEUE_REQUIRED", "queue parameter is required")
			}
			if err := queues.IsolateBoundary(ctx, q, "isolated by validation rule "+res.RuleID); err != nil {
				return "", err
			}
			return "queue " + q + " isolated", nil
		})
	}
	if breakers != nil {
		v.RegisterRemediation(RemediationResetBreaker, func(ctx context.Context, a ValidationAction, _ ValidationResult) (string, error) {
			if name := a.Params["service"]; name != "" {
				cb, ok := breakers.Lookup(name)
				if !ok {
					return "", errors.NotFound("BREAKER_NOT_FOUND", "circuit breaker not found: "+name)
				}
				cb.Reset(ctx)
				return "breaker " + name + " reset", nil
			}
			reset := 0
			for name, state := range breakers.States() {
				if state == BreakerOpen {
					if cb, ok := breakers.Lookup(name); ok {
						cb.Reset(ctx)
						reset++
					}
				}
			}
			return fmt.Sprintf("reset %d open breaker(s)", reset), nil
		})
	}
}
