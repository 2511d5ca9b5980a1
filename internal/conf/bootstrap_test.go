package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestNewBootstrap_Defaults(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :8080
  grpc:
    addr: :9000
data:
  database:
    driver: mysql
  redis:
    addr: 127.0.0.1:6379
`)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	// Verify server defaults
	assert.Equal(t, ":8080", bc.Server.HTTP.Addr)
	assert.Equal(t, "tcp", bc.Server.HTTP.Network)
	assert.Equal(t, 10*time.Second, bc.Server.HTTP.Timeout)

	assert.Equal(t, ":9000", bc.Server.GRPC.Addr)
	assert.Equal(t, "tcp", bc.Server.GRPC.Network)
	assert.Equal(t, 10*time.Second, bc.Server.GRPC.Timeout)

	// Verify data defaults
	assert.Equal(t, "mysql", bc.Data.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/testdb", bc.Data.Database.Source)

	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, "tcp", bc.Data.Redis.Network)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.WriteTimeout)

	// Verify log defaults
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)

	// Verify resilience defaults
	r := bc.Resilience
	require.NotNil(t, r)
	assert.Equal(t, "failure_count", r.CircuitBreaker.TripStrategy)
	assert.Equal(t, 5, r.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, r.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 3, r.CircuitBreaker.HalfOpenMaxCalls)
	assert.Equal(t, 5*time.Minute, r.Recovery.QuietPeriod)
	assert.Equal(t, 3, r.Recovery.MaxAttempts)
	assert.Equal(t, 24*time.Hour, r.EventRetention)
	assert.Equal(t, 1024, r.OutboxSize)
	assert.Equal(t, 1000, r.AuditBufferSize)
	assert.True(t, r.Validation.LoadDefaultRules)
	assert.Equal(t, 4, r.Validation.MaxConcurrent)
}

func TestNewBootstrap_ResilienceTree(t *testing.T) {
	configPath := writeConfig(t, `resilience:
  circuit_breaker:
    trip_strategy: failure_rate
    failure_rate_threshold: 25
  breakers:
    payments:
      failure_threshold: 2
      call_timeout: 3s
  queues:
    - name: jobs
      max_size: 500
      rate_limit_per_minute: 60
      retry_enabled: false
      visibility_timeout: 45s
    - name: mail
  domains:
    tenant:
      max_concurrent_failures: 4
      failure_window: 10m
    service:
      circuit_breaker_threshold: 8
      fallback_enabled: false
  service_tenants:
    search: 2500
  validation:
    load_default_rules: false
    rules:
      - id: p95
        name: Response time p95
        type: performance
        schedule: "*/5 * * * *"
        severity: high
        conditions:
          - metric: response_time
            operator: lte
            threshold: 2000
            aggregation: p95
        actions:
          - type: alert
            target: oncall
`)

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	r := bc.Resilience

	assert.Equal(t, "failure_rate", r.CircuitBreaker.TripStrategy)
	assert.Equal(t, 25.0, r.CircuitBreaker.FailureRateThreshold)
	// untouched nested defaults survive
	assert.Equal(t, 5, r.CircuitBreaker.FailureThreshold)

	require.Contains(t, r.Breakers, "payments")
	assert.Equal(t, 2, r.Breakers["payments"].FailureThreshold)
	assert.Equal(t, 3*time.Second, r.Breakers["payments"].CallTimeout)

	require.Len(t, r.Queues, 2)
	assert.Equal(t, "jobs", r.Queues[0].Name)
	assert.Equal(t, 500, r.Queues[0].MaxSize)
	assert.Equal(t, 60, r.Queues[0].RateLimitPerMinute)
	require.NotNil(t, r.Queues[0].RetryEnabled)
	assert.False(t, *r.Queues[0].RetryEnabled)
	assert.Equal(t, 45*time.Second, r.Queues[0].VisibilityTimeout)
	assert.Nil(t, r.Queues[1].RetryEnabled)

	require.Contains(t, r.Domains, "tenant")
	assert.Equal(t, 4, r.Domains["tenant"].MaxConcurrentFailures)
	assert.Equal(t, 10*time.Minute, r.Domains["tenant"].FailureWindow)
	require.NotNil(t, r.Domains["service"].CircuitBreakerThreshold)
	assert.Equal(t, 8, *r.Domains["service"].CircuitBreakerThreshold)
	require.NotNil(t, r.Domains["service"].FallbackEnabled)
	assert.False(t, *r.Domains["service"].FallbackEnabled)

	assert.Equal(t, 2500, r.ServiceTenants["search"])

	assert.False(t, r.Validation.LoadDefaultRules)
	require.Len(t, r.Validation.Rules, 1)
	rule := r.Validation.Rules[0]
	assert.Equal(t, "p95", rule.ID)
	assert.Equal(t, "*/5 * * * *", rule.Schedule)
	require.Len(t, rule.Conditions, 1)
	assert.Equal(t, 2000.0, rule.Conditions[0].Threshold)
	require.Len(t, rule.Actions, 1)
	assert.Equal(t, "oncall", rule.Actions[0].Target)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		expectedVal func(*Bootstrap) bool
		description string
	}{
		{
			name:    "override_http_addr",
			envVars: map[string]string{"BULWARK_SERVER_HTTP_ADDR": ":9999"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Server.HTTP.Addr == ":9999"
			},
			description: "BULWARK_SERVER_HTTP_ADDR should override default :8080",
		},
		{
			name:    "override_redis_addr",
			envVars: map[string]string{"REDIS_ADDR": "redis.example.com:6379"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Data.Redis.Addr == "redis.example.com:6379"
			},
			description: "REDIS_ADDR should override the file value",
		},
		{
			name:    "override_log_level",
			envVars: map[string]string{"LOG_LEVEL": "debug"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Log.Level == "debug"
			},
			description: "LOG_LEVEL should override default info",
		},
		{
			name:    "override_database_source",
			envVars: map[string]string{"BULWARK_DATA_DATABASE_SOURCE": "audit:pw@tcp(db:3306)/audit"},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Data.Database.Source == "audit:pw@tcp(db:3306)/audit"
			},
			description: "BULWARK_DATA_DATABASE_SOURCE should set the audit store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, `server:
  http:
    addr: :8080
data:
  redis:
    addr: 127.0.0.1:6379
`)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			bc, err := NewBootstrap(configPath)
			require.NoError(t, err, tt.description)
			require.NotNil(t, bc)

			assert.True(t, tt.expectedVal(bc), tt.description)
		})
	}
}

func TestNewBootstrap_StoresOptional(t *testing.T) {
	os.Unsetenv("MYSQL_DSN")
	os.Unsetenv("BULWARK_DATA_DATABASE_SOURCE")
	os.Unsetenv("REDIS_ADDR")
	os.Unsetenv("BULWARK_DATA_REDIS_ADDR")

	bc, err := NewBootstrap("")
	require.NoError(t, err)

	// structs always exist; empty values disable the stores
	require.NotNil(t, bc.Data.Database)
	require.NotNil(t, bc.Data.Redis)
	assert.Empty(t, bc.Data.Database.Source)
	assert.Empty(t, bc.Data.Redis.Addr)
}

func TestNewBootstrap_InvalidResilience(t *testing.T) {
	configPath := writeConfig(t, `resilience:
  circuit_breaker:
    trip_strategy: coin_flip
  queues:
    - name: jobs
    - name: jobs
    - max_size: 3
`)

	bc, err := NewBootstrap(configPath)
	require.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "resilience.circuit_breaker.trip_strategy")
	assert.Contains(t, err.Error(), `duplicate "jobs"`)
	assert.Contains(t, err.Error(), "resilience.queues[2].name")
}

func TestNewBootstrap_ConfigFileNotFound(t *testing.T) {
	bc, err := NewBootstrap("/non/existent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBootstrap_EmptyConfigPath(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	// defaults + env vars only
	bc, err := NewBootstrap("")
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, ":8080", bc.Server.HTTP.Addr)
	assert.Equal(t, ":9000", bc.Server.GRPC.Addr)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/testdb", bc.Data.Database.Source)
}

func TestNewBootstrap_PriorityOrder(t *testing.T) {
	configPath := writeConfig(t, `server:
  http:
    addr: :7777
`)

	t.Setenv("BULWARK_SERVER_HTTP_ADDR", ":8888")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, ":8888", bc.Server.HTTP.Addr, "Environment variable should override config file")
}

func TestValidate_AllFieldsPresent(t *testing.T) {
	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{Addr: ":8080"},
			GRPC: &ServerGRPC{Addr: ":9000"},
		},
		Data: &Data{
			Database: &Database{Driver: "mysql"},
			Redis:    &Redis{Addr: "127.0.0.1:6379"},
		},
		Log: &Log{
			Level:  "info",
			Format: "json",
		},
		Resilience: &Resilience{
			CircuitBreaker: CircuitBreaker{TripStrategy: "response_time", FailureRateThreshold: 50},
			Queues:         []Queue{{Name: "jobs"}, {Name: "mail"}},
		},
	}

	assert.NoError(t, Validate(bc))
}

func TestValidate_EmptyBootstrap(t *testing.T) {
	err := Validate(&Bootstrap{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "resilience")
}

func TestValidate_FailureRateRange(t *testing.T) {
	bc := &Bootstrap{
		Log:        &Log{Level: "info"},
		Resilience: &Resilience{CircuitBreaker: CircuitBreaker{TripStrategy: "failure_rate", FailureRateThreshold: 120}},
	}
	err := Validate(bc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_rate_threshold")
}
