package biz

import (
	"sort"
	"strings"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
)

// FailureDomain is a category of failure source.
type FailureDomain string

const (
	DomainTenant   FailureDomain = "TENANT"
	DomainService  FailureDomain = "SERVICE"
	DomainDatabase FailureDomain = "DATABASE"
	DomainQueue    FailureDomain = "QUEUE"
	DomainCache    FailureDomain = "CACHE"
	DomainExternal FailureDomain = "EXTERNAL"
)

// AllDomains lists every failure domain.
var AllDomains = []FailureDomain{DomainTenant, DomainService, DomainDatabase, DomainQueue, DomainCache, DomainExternal}

// ParseFailureDomain parses a case-insensitive domain name.
func ParseFailureDomain(v string) (FailureDomain, bool) {
	d := FailureDomain(strings.ToUpper(strings.TrimSpace(v)))
	for _, known := range AllDomains {
		if d == known {
			return d, true
		}
	}
	return "", false
}

// ContainmentStrategy is the response chosen for a failure.
type ContainmentStrategy string

const (
	StrategyIsolate      ContainmentStrategy = "ISOLATE"
	StrategyDegrade      ContainmentStrategy = "DEGRADE"
	StrategyFailFast     ContainmentStrategy = "FAIL_FAST"
	StrategyCircuitBreak ContainmentStrategy = "CIRCUIT_BREAK"
)

// ImpactLevel classifies a blast radius.
type ImpactLevel string

const (
	ImpactLimited     ImpactLevel = "LIMITED"
	ImpactModerate    ImpactLevel = "MODERATE"
	ImpactSignificant ImpactLevel = "SIGNIFICANT"
	ImpactExtensive   ImpactLevel = "EXTENSIVE"
)

// IsolationStatus is a tenant's containment status.
type IsolationStatus string

const (
	IsolationNormal      IsolationStatus = "NORMAL"
	IsolationDegraded    IsolationStatus = "DEGRADED"
	IsolationIsolated    IsolationStatus = "ISOLATED"
	IsolationQuarantined IsolationStatus = "QUARANTINED"
)

func (s IsolationStatus) rank() int {
	switch s {
	case IsolationDegraded:
		return 1
	case IsolationIsolated:
		return 2
	case IsolationQuarantined:
		return 3
	default:
		return 0
	}
}

// ServiceStatus is a service's containment status.
type ServiceStatus string

const (
	ServiceHealthy       ServiceStatus = "HEALTHY"
	ServiceWarning       ServiceStatus = "WARNING"
	ServiceDegraded      ServiceStatus = "DEGRADED"
	ServiceCircuitBroken ServiceStatus = "CIRCUIT_BROKEN"
)

func (s ServiceStatus) rank() int {
	switch s {
	case ServiceWarning:
		return 1
	case ServiceDegraded:
		return 2
	case ServiceCircuitBroken:
		return 3
	default:
		return 0
	}
}

// DomainConfig configures containment for one domain.
type DomainConfig struct {
	// MaxConcurrentFailures is the failure count that escalates a tenant to
	// QUARANTINED (TENANT) or a service to DEGRADED (other domains).
	MaxConcurrentFailures   int
	FailureWindow           time.Duration
	RecoveryTimeout         time.Duration
	TenantIsolation         bool
	CircuitBreakerThreshold int
	FallbackEnabled         bool
	OperationTimeout        time.Duration
}

// DefaultDomainConfigs returns the built-in per-domain configuration.
func DefaultDomainConfigs() map[FailureDomain]DomainConfig {
	return map[FailureDomain]DomainConfig{
		DomainTenant: {
			MaxConcurrentFailures: 3, FailureWindow: 5 * time.Minute, RecoveryTimeout: 5 * time.Minute,
			TenantIsolation: true, CircuitBreakerThreshold: 0, FallbackEnabled: true, OperationTimeout: 30 * time.Second,
		},
		DomainService: {
			MaxConcurrentFailures: 5, FailureWindow: 5 * time.Minute, RecoveryTimeout: 2 * time.Minute,
			TenantIsolation: false, CircuitBreakerThreshold: 5, FallbackEnabled: true, OperationTimeout: 30 * time.Second,
		},
		DomainDatabase: {
			MaxConcurrentFailures: 5, FailureWindow: time.Minute, RecoveryTimeout: time.Minute,
			TenantIsolation: false, CircuitBreakerThreshold: 3, FallbackEnabled: false, OperationTimeout: 10 * time.Second,
		},
		DomainQueue: {
			MaxConcurrentFailures: 5, FailureWindow: 5 * time.Minute, RecoveryTimeout: time.Minute,
			TenantIsolation: false, CircuitBreakerThreshold: 5, FallbackEnabled: true, OperationTimeout: 30 * time.Second,
		},
		DomainCache: {
			MaxConcurrentFailures: 20, FailureWindow: time.Minute, RecoveryTimeout: 30 * time.Second,
			TenantIsolation: false, CircuitBreakerThreshold: 0, FallbackEnabled: true, OperationTimeout: 5 * time.Second,
		},
		DomainExternal: {
			MaxConcurrentFailures: 5, FailureWindow: 5 * time.Minute, RecoveryTimeout: 5 * time.Minute,
			TenantIsolation: false, CircuitBreakerThreshold: 3, FallbackEnabled: true, OperationTimeout: 30 * time.Second,
		},
	}
}

// DomainConfigsFromConf overlays configured domains on the defaults.
func DomainConfigsFromConf(c map[string]conf.Domain) map[FailureDomain]DomainConfig {
	out := DefaultDomainConfigs()
	for name, d := range c {
		domain, ok := ParseFailureDomain(name)
		if !ok {
			continue
		}
		cfg := out[domain]
		if d.MaxConcurrentFailures > 0 {
			cfg.MaxConcurrentFailures = d.MaxConcurrentFailures
		}
		if d.FailureWindow > 0 {
			cfg.FailureWindow = d.FailureWindow
		}
		if d.RecoveryTimeout > 0 {
			cfg.RecoveryTimeout = d.RecoveryTimeout
		}
		if d.TenantIsolation != nil {
			cfg.TenantIsolation = *d.TenantIsolation
		}
		if d.CircuitBreakerThreshold != nil {
			cfg.CircuitBreakerThreshold = *d.CircuitBreakerThreshold
		}
		if d.FallbackEnabled != nil {
			cfg.FallbackEnabled = *d.FallbackEnabled
		}
		if d.OperationTimeout > 0 {
			cfg.OperationTimeout = d.OperationTimeout
		}
		out[domain] = cfg
	}
	return out
}

// BlastRadius is the estimated impact of a failure.
type BlastRadius struct {
	AffectedTenants  []string    `json:"affected_tenants,omitempty"`
	AffectedServices []string    `json:"affected_services,omitempty"`
	EstimatedTenants int         `json:"estimated_tenants"`
	AllTenants       bool        `json:"all_tenants"`
	Impact           ImpactLevel `json:"impact"`
}

// FailureEvent is the immutable record of one reported failure.
type FailureEvent struct {
	ID            string              `json:"id"`
	Domain        FailureDomain       `json:"domain"`
	Severity      model.Severity      `json:"severity"`
	TenantID      string              `json:"tenant_id,omitempty"`
	ServiceID     string              `json:"service_id,omitempty"`
	Component     string              `json:"component,omitempty"`
	Message       string              `json:"message"`
	CorrelationID string              `json:"correlation_id,omitempty"`
	BlastRadius   BlastRadius         `json:"blast_radius"`
	Strategy      ContainmentStrategy `json:"strategy"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

func (e FailureEvent) clone() FailureEvent {
	e.BlastRadius.AffectedTenants = append([]string(nil), e.BlastRadius.AffectedTenants...)
	e.BlastRadius.AffectedServices = append([]string(nil), e.BlastRadius.AffectedServices...)
	return e
}

// selectStrategy picks containment in a fixed order.
func selectStrategy(domain FailureDomain, severity model.Severity, tenantID string, cfg DomainConfig) ContainmentStrategy {
	switch {
	case tenantID != "" && cfg.TenantIsolation:
		return StrategyIsolate
	case severity == model.SeverityCritical:
		return StrategyFailFast
	case domain == DomainService && cfg.CircuitBreakerThreshold > 0:
		return StrategyCircuitBreak
	case domain == DomainDatabase || domain == DomainQueue:
		return StrategyDegrade
	default:
		return StrategyFailFast
	}
}

const defaultServiceTenants = 100

// serviceImpact grades a service-wide failure by its tenant estimate.
func serviceImpact(estimate int) ImpactLevel {
	switch {
	case estimate >= 1000:
		return ImpactSignificant
	case estimate >= 100:
		return ImpactModerate
	default:
		return ImpactLimited
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
