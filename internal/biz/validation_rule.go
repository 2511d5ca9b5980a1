package biz

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
)

// RuleType groups rules in reports.
type RuleType string

const (
	RuleAvailability RuleType = "AVAILABILITY"
	RulePerformance  RuleType = "PERFORMANCE"
	RuleSecurity     RuleType = "SECURITY"
	RuleCompliance   RuleType = "COMPLIANCE"
	RuleRecovery     RuleType = "RECOVERY"
	RuleResilience   RuleType = "RESILIENCE"
)

// AllRuleTypes lists rule types in report order.
var AllRuleTypes = []RuleType{RuleAvailability, RulePerformance, RuleSecurity, RuleCompliance, RuleRecovery, RuleResilience}

// Operator compares a metric against a threshold.
type Operator string

const (
	OpGT  Operator = "GT"
	OpGTE Operator = "GTE"
	OpLT  Operator = "LT"
	OpLTE Operator = "LTE"
	OpEQ  Operator = "EQ"
	OpNEQ Operator = "NEQ"
)

// Satisfied reports whether actual OP threshold holds.
func (op Operator) Satisfied(actual, threshold float64) bool {
	switch op {
	case OpGT:
		return actual > threshold
	case OpGTE:
		return actual >= threshold
	case OpLT:
		return actual < threshold
	case OpLTE:
		return actual <= threshold
	case OpEQ:
		return actual == threshold
	case OpNEQ:
		return actual != threshold
	default:
		return false
	}
}

// ActionType is what a rule does after evaluation.
type ActionType string

const (
	ActionAlert     ActionType = "ALERT"
	ActionEscalate  ActionType = "ESCALATE"
	ActionRemediate ActionType = "REMEDIATE"
	ActionReport    ActionType = "REPORT"
)

// ValidationStatus is the outcome of one rule.
type ValidationStatus string

const (
	StatusPass    ValidationStatus = "PASS"
	StatusFail    ValidationStatus = "FAIL"
	StatusWarning ValidationStatus = "WARNING"
	StatusSkip    ValidationStatus = "SKIP"
)

// ValidationCondition is one threshold check.
type ValidationCondition struct {
	Metric      string   `json:"metric" validate:"required,max=128"`
	Operator    Operator `json:"operator" validate:"required,oneof=GT GTE LT LTE EQ NEQ"`
	Threshold   float64  `json:"threshold"`
	Aggregation string   `json:"aggregation,omitempty" validate:"omitempty,oneof=avg min max sum count p50 p95 p99 last"`
}

func (c ValidationCondition) String() string {
	return fmt.Sprintf("%s %s %s", c.Metric, c.Operator, strconv.FormatFloat(c.Threshold, 'f', -1, 64))
}

// ValidationAction is executed after a rule is evaluated.
// For REMEDIATE the target names the remediation handler.
type ValidationAction struct {
	Type   ActionType        `json:"type" validate:"required,oneof=ALERT ESCALATE REMEDIATE REPORT"`
	Target string            `json:"target,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// ValidationRule is mutable validator configuration.
type ValidationRule struct {
	ID          string                `json:"id" validate:"required,max=64"`
	Name        string                `json:"name" validate:"required,max=128"`
	Description string                `json:"description,omitempty"`
	Type        RuleType              `json:"type" validate:"required,oneof=AVAILABILITY PERFORMANCE SECURITY COMPLIANCE RECOVERY RESILIENCE"`
	Schedule    string                `json:"schedule" validate:"required"`
	Severity    model.Severity        `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Enabled     bool                  `json:"enabled"`
	Timeout     time.Duration         `json:"timeout" validate:"gte=0"`
	MaxRetries  int                   `json:"max_retries" validate:"gte=0,lte=10"`
	RetryDelay  time.Duration         `json:"retry_delay" validate:"gte=0"`
	Conditions  []ValidationCondition `json:"conditions" validate:"required,min=1,dive"`
	Actions     []ValidationAction    `json:"actions,omitempty" validate:"dive"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func (r ValidationRule) clone() ValidationRule {
	r.Conditions = append([]ValidationCondition(nil), r.Conditions...)
	actions := make([]ValidationAction, len(r.Actions))
	for i, a := range r.Actions {
		if a.Params != nil {
			params := make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				params[k] = v
			}
			a.Params = params
		}
		actions[i] = a
	}
	r.Actions = actions
	return r
}

// Violation is one failed condition. Actual is "N/A" when the metric was missing.
type Violation struct {
	Condition string         `json:"condition"`
	Metric    string         `json:"metric"`
	Actual    interface{}    `json:"actual"`
	Expected  float64        `json:"expected"`
	Severity  model.Severity `json:"severity"`
	Message   string         `json:"message"`
}

// ActionResult is the terminal outcome of one action.
type ActionResult struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target,omitempty"`
	Result string     `json:"result"`
	Error  string     `json:"error,omitempty"`
}

// ValidationResult is one rule execution. Results are append-only history.
type ValidationResult struct {
	ID         string           `json:"id"`
	RuleID     string           `json:"rule_id"`
	RuleName   string           `json:"rule_name"`
	RuleType   RuleType         `json:"rule_type"`
	Status     ValidationStatus `json:"status"`
	Severity   model.Severity   `json:"severity,omitempty"`
	Violations []Violation      `json:"violations"`
	Actions    []ActionResult   `json:"actions"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
}

func (r ValidationResult) clone() ValidationResult {
	r.Violations = append([]Violation(nil), r.Violations...)
	r.Actions = append([]ActionResult(nil), r.Actions...)
	return r
}

// TypeSummary counts results of one rule type.
type TypeSummary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Warning int `json:"warning"`
	Skipped int `json:"skipped"`
}

// ValidationReport aggregates one ExecuteAllValidations run.
type ValidationReport struct {
	ID              string                   `json:"id"`
	GeneratedAt     time.Time                `json:"generated_at"`
	Duration        time.Duration            `json:"duration"`
	OverallStatus   ValidationStatus         `json:"overall_status"`
	TotalRules      int                      `json:"total_rules"`
	PassedRules     int                      `json:"passed_rules"`
	FailedRules     int                      `json:"failed_rules"`
	WarningRules    int                      `json:"warning_rules"`
	SkippedRules    int                      `json:"skipped_rules"`
	ByType          map[RuleType]TypeSummary `json:"by_type"`
	Results         []ValidationResult       `json:"results"`
	Recommendations []string                 `json:"recommendations"`
}

// aggregateStatus maps violations to a rule status.
func aggregateStatus(violations []Violation) (ValidationStatus, model.Severity) {
	if len(violations) == 0 {
		return StatusPass, ""
	}
	worst := violations[0].Severity
	for _, v := range violations[1:] {
		if v.Severity.Rank() > worst.Rank() {
			worst = v.Severity
		}
	}
	if worst.AtLeast(model.SeverityHigh) {
		return StatusFail, worst
	}
	return StatusWarning, worst
}

// overallStatus lets FAIL dominate WARNING dominate PASS.
func overallStatus(results []ValidationResult) ValidationStatus {
	status := StatusPass
	for _, r := range results {
		switch r.Status {
		case StatusFail:
			return StatusFail
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}

var categoryAdvice = map[RuleType]string{
	RuleAvailability: "check circuit breaker states and upstream health",
	RulePerformance:  "review latency budgets and queue concurrency",
	RuleSecurity:     "review access patterns of quarantined tenants",
	RuleCompliance:   "confirm audit delivery and retention settings",
	RuleRecovery:     "verify recovery sweeps and dead-letter handling",
	RuleResilience:   "inspect containment decisions and blast radius",
}

// recommendations derives advice from failing and warning categories.
func recommendations(byType map[RuleType]TypeSummary) []string {
	var out []string
	for _, t := range AllRuleTypes {
		s, ok := byType[t]
		if !ok {
			continue
		}
		category := strings.ToLower(string(t))
		if s.Failed > 0 {
			out = append(out, fmt.Sprintf("%d %s rule(s) failing: %s", s.Failed, category, categoryAdvice[t]))
		}
		if s.Warning > 0 {
			out = append(out, fmt.Sprintf("%d %s rule(s) warning: monitor %s trends", s.Warning, category, category))
		}
	}
	if len(out) == 0 {
		out = append(out, "all validations passed")
	}
	return out
}

// RuleFromConf converts a configured rule. Enabled defaults to true.
func RuleFromConf(r conf.Rule) ValidationRule {
	rule := ValidationRule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Type:        RuleType(strings.ToUpper(r.Type)),
		Schedule:    r.Schedule,
		Severity:    model.Severity(strings.ToUpper(r.Severity)),
		Enabled:     r.Enabled == nil || *r.Enabled,
		Timeout:     r.Timeout,
		MaxRetries:  r.MaxRetries,
		RetryDelay:  r.RetryDelay,
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, ValidationCondition{
			Metric:      c.Metric,
			Operator:    Operator(strings.ToUpper(c.Operator)),
			Threshold:   c.Threshold,
			Aggregation: strings.ToLower(c.Aggregation),
		})
	}
	for _, a := range r.Actions {
		rule.Actions = append(rule.Actions, ValidationAction{
			Type:   ActionType(strings.ToUpper(a.Type)),
			Target: a.Target,
			Params: a.Params,
		})
	}
	return rule
}

// DefaultValidationRules is the built-in rule set.
func DefaultValidationRules() []ValidationRule {
	alert := ValidationAction{Type: ActionAlert, Target: "ops"}
	return []ValidationRule{
		{
			ID: "availability-check", Name: "Service availability", Type: RuleAvailability,
			Schedule: "*/5 * * * *", Severity: model.SeverityHigh, Enabled: true,
			Timeout: 30 * time.Second, MaxRetries: 2, RetryDelay: time.Second,
			Conditions: []ValidationCondition{{Metric: "availability", Operator: OpGTE, Threshold: 99.9, Aggregation: "avg"}},
			Actions:    []ValidationAction{alert, {Type: ActionEscalate, Target: "oncall"}},
		},
		{
			ID: "response-time-p95", Name: "Response time p95", Type: RulePerformance,
			Schedule: "*/5 * * * *", Severity: model.SeverityMedium, Enabled: true,
			Timeout: 30 * time.Second, MaxRetries: 1, RetryDelay: time.Second,
			Conditions: []ValidationCondition{{Metric: "response_time_p95", Operator: OpLTE, Threshold: 2000}},
			Actions:    []ValidationAction{alert},
		},
		{
			ID: "error-rate", Name: "Error rate", Type: RuleAvailability,
			Schedule: "*/5 * * * *", Severity: model.SeverityHigh, Enabled: true,
			Timeout: 30 * time.Second, MaxRetries: 1, RetryDelay: time.Second,
			Conditions: []ValidationCondition{{Metric: "error_rate", Operator: OpLTE, Threshold: 1, Aggregation: "avg"}},
			Actions:    []ValidationAction{alert},
		},
		{
			ID: "circuit-breaker-health", Name: "Circuit breaker health", Type: RuleResilience,
			Schedule: "*/10 * * * *", Severity: model.SeverityHigh, Enabled: true,
			Timeout:    10 * time.Second,
			Conditions: []ValidationCondition{{Metric: MetricBreakersOpen, Operator: OpLTE, Threshold: 0}},
			Actions:    []ValidationAction{alert, {Type: ActionReport}},
		},
		{
			ID: "service-containment", Name: "Service circuit containment", Type: RuleRecovery,
			Schedule: "*/10 * * * *", Severity: model.SeverityMedium, Enabled: true,
			Timeout:    10 * time.Second,
			Conditions: []ValidationCondition{{Metric: MetricServicesBroken, Operator: OpLTE, Threshold: 0}},
			Actions:    []ValidationAction{{Type: ActionReport}},
		},
		{
			ID: "tenant-isolation", Name: "Tenant isolation", Type: RuleSecurity,
			Schedule: "0 */1 * * *", Severity: model.SeverityMedium, Enabled: true,
			Timeout:    10 * time.Second,
			Conditions: []ValidationCondition{{Metric: MetricQuarantinedTenants, Operator: OpLTE, Threshold: 0}},
			Actions:    []ValidationAction{alert, {Type: ActionRemediate, Target: RemediationRecoverTenants}},
		},
	}
}
