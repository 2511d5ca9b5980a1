package conf

import "time"

// Bootstrap is the root configuration for the Bulwark control plane.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Log        *Log
	Resilience *Resilience
}

// Server holds the ops-facing transport configuration.
type Server struct {
	HTTP *ServerHTTP
	GRPC *ServerGRPC
}

// ServerHTTP configures the read-only status endpoint server.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// ServerGRPC configures the gRPC health server.
type ServerGRPC struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds external store configuration. Both stores are optional.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database configures the MySQL audit store.
type Database struct {
	Driver string
	Source string
}

// Redis configures the redis backed rate limiter, dead-letter store and metrics source.
type Redis struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Log configures the zap logger.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Resilience is the control plane configuration subtree.
type Resilience struct {
	CircuitBreaker  CircuitBreaker             `mapstructure:"circuit_breaker"`
	Queues          []Queue                    `mapstructure:"queues"`
	Domains         map[string]Domain          `mapstructure:"domains"`
	ServiceTenants  map[string]int             `mapstructure:"service_tenants"`
	Recovery        Recovery                   `mapstructure:"recovery"`
	EventRetention  time.Duration              `mapstructure:"event_retention"`
	OutboxSize      int                        `mapstructure:"outbox_size"`
	Validation      Validation                 `mapstructure:"validation"`
	Breakers        map[string]BreakerOverride `mapstructure:"breakers"`
	AuditBufferSize int                        `mapstructure:"audit_buffer_size"`
}

// CircuitBreaker holds defaults applied to every lazily created breaker.
type CircuitBreaker struct {
	TripStrategy          string        `mapstructure:"trip_strategy"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold"`
	ResponseTimeThreshold time.Duration `mapstructure:"response_time_threshold"`
	MonitoringPeriod      time.Duration `mapstructure:"monitoring_period"`
	MinimumThroughput     int           `mapstructure:"minimum_throughput"`
	ResetTimeout          time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls      int           `mapstructure:"half_open_max_calls"`
	SuccessThreshold      int           `mapstructure:"success_threshold"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	WindowSize            int           `mapstructure:"window_size"`
	EventLogSize          int           `mapstructure:"event_log_size"`
	IdleTTL               time.Duration `mapstructure:"idle_ttl"`
}

// BreakerOverride replaces selected defaults for one named breaker.
type BreakerOverride struct {
	TripStrategy          string        `mapstructure:"trip_strategy"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold"`
	ResponseTimeThreshold time.Duration `mapstructure:"response_time_threshold"`
	ResetTimeout          time.Duration `mapstructure:"reset_timeout"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
}

// Queue declares one queue boundary.
type Queue struct {
	Name               string        `mapstructure:"name"`
	MaxSize            int           `mapstructure:"max_size"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	MessageTTL         time.Duration `mapstructure:"message_ttl"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	RetryEnabled       *bool         `mapstructure:"retry_enabled"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	InitialDelay       time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	MinimumSamples     int           `mapstructure:"minimum_samples"`
	OpenCooldown       time.Duration `mapstructure:"open_cooldown"`
}

// Domain configures containment for one failure domain.
type Domain struct {
	MaxConcurrentFailures   int           `mapstructure:"max_concurrent_failures"`
	FailureWindow           time.Duration `mapstructure:"failure_window"`
	RecoveryTimeout         time.Duration `mapstructure:"recovery_timeout"`
	TenantIsolation         *bool         `mapstructure:"tenant_isolation"`
	CircuitBreakerThreshold *int          `mapstructure:"circuit_breaker_threshold"`
	FallbackEnabled         *bool         `mapstructure:"fallback_enabled"`
	OperationTimeout        time.Duration `mapstructure:"operation_timeout"`
}

// Recovery configures the tenant recovery sweep.
type Recovery struct {
	QuietPeriod time.Duration `mapstructure:"quiet_period"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// Validation configures the automated validator.
type Validation struct {
	LoadDefaultRules bool          `mapstructure:"load_default_rules"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	AlertsPerSecond  float64       `mapstructure:"alerts_per_second"`
	AlertBurst       int           `mapstructure:"alert_burst"`
	Rules            []Rule        `mapstructure:"rules"`
}

// Rule declares a validation rule in configuration.
type Rule struct {
	ID          string          `mapstructure:"id"`
	Name        string          `mapstructure:"name"`
	Description string          `mapstructure:"description"`
	Type        string          `mapstructure:"type"`
	Schedule    string          `mapstructure:"schedule"`
	Severity    string          `mapstructure:"severity"`
	Enabled     *bool           `mapstructure:"enabled"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxRetries  int             `mapstructure:"max_retries"`
	RetryDelay  time.Duration   `mapstructure:"retry_delay"`
	Conditions  []RuleCondition `mapstructure:"conditions"`
	Actions     []RuleAction    `mapstructure:"actions"`
}

// RuleCondition is one metric threshold comparison.
type RuleCondition struct {
	Metric      string  `mapstructure:"metric"`
	Operator    string  `mapstructure:"operator"`
	Threshold   float64 `mapstructure:"threshold"`
	Aggregation string  `mapstructure:"aggregation"`
}

// RuleAction is one action executed after a rule is evaluated.
type RuleAction struct {
	Type   string            `mapstructure:"type"`
	Target string            `mapstructure:"target"`
	Params map[string]string `mapstructure:"params"`
}
