// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with BULWARK_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Optional environment variables:
//   - MYSQL_DSN or BULWARK_DATA_DATABASE_SOURCE: MySQL connection string for the audit store
//   - REDIS_ADDR or BULWARK_DATA_REDIS_ADDR: Redis address for rate limits, dead letters and metrics
//
// Both stores are optional. Without them the control plane runs fully in memory
// and audit entries are only logged.
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BULWARK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "BULWARK_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "BULWARK_DATA_REDIS_ADDR")
	_ = v.BindEnv("log.level", "LOG_LEVEL", "BULWARK_LOG_LEVEL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// The resilience subtree is decoded through AllSettings so nested
	// defaults survive a partially specified config file.
	var tree struct {
		Resilience Resilience `mapstructure:"resilience"`
	}
	if err := v.Unmarshal(&tree); err != nil {
		return nil, fmt.Errorf("failed to decode resilience config: %w", err)
	}

	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
			GRPC: &ServerGRPC{
				Network: v.GetString("server.grpc.network"),
				Addr:    v.GetString("server.grpc.addr"),
				Timeout: v.GetDuration("server.grpc.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Resilience: &tree.Resilience,
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 10*time.Second)

	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":9000")
	v.SetDefault("server.grpc.timeout", 10*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Circuit breaker defaults
	v.SetDefault("resilience.circuit_breaker.trip_strategy", "failure_count")
	v.SetDefault("resilience.circuit_breaker.failure_threshold", 5)
	v.SetDefault("resilience.circuit_breaker.failure_rate_threshold", 50.0)
	v.SetDefault("resilience.circuit_breaker.response_time_threshold", 5*time.Second)
	v.SetDefault("resilience.circuit_breaker.monitoring_period", time.Minute)
	v.SetDefault("resilience.circuit_breaker.minimum_throughput", 10)
	v.SetDefault("resilience.circuit_breaker.reset_timeout", 30*time.Second)
	v.SetDefault("resilience.circuit_breaker.half_open_max_calls", 3)
	v.SetDefault("resilience.circuit_breaker.success_threshold", 3)
	v.SetDefault("resilience.circuit_breaker.window_size", 1000)
	v.SetDefault("resilience.circuit_breaker.event_log_size", 500)
	v.SetDefault("resilience.circuit_breaker.idle_ttl", time.Hour)

	// Failure domain defaults
	v.SetDefault("resilience.recovery.quiet_period", 5*time.Minute)
	v.SetDefault("resilience.recovery.max_attempts", 3)
	v.SetDefault("resilience.event_retention", 24*time.Hour)
	v.SetDefault("resilience.outbox_size", 1024)
	v.SetDefault("resilience.audit_buffer_size", 1000)

	// Validator defaults
	v.SetDefault("resilience.validation.load_default_rules", true)
	v.SetDefault("resilience.validation.history_retention", 7*24*time.Hour)
	v.SetDefault("resilience.validation.history_limit", 500)
	v.SetDefault("resilience.validation.max_concurrent", 4)
	v.SetDefault("resilience.validation.alerts_per_second", 1.0)
	v.SetDefault("resilience.validation.alert_burst", 10)
}

// Validate checks that configuration fields hold usable values.
// It returns an error listing every invalid field.
func Validate(bc *Bootstrap) error {
	var invalid []string

	if bc.Log == nil || bc.Log.Level == "" {
		invalid = append(invalid, "log.level")
	}

	if bc.Resilience == nil {
		invalid = append(invalid, "resilience")
	} else {
		cb := bc.Resilience.CircuitBreaker
		switch cb.TripStrategy {
		case "failure_count", "failure_rate", "response_time":
		default:
			invalid = append(invalid, fmt.Sprintf("resilience.circuit_breaker.trip_strategy (%q)", cb.TripStrategy))
		}
		if cb.FailureRateThreshold < 0 || cb.FailureRateThreshold > 100 {
			invalid = append(invalid, "resilience.circuit_breaker.failure_rate_threshold (0-100)")
		}

		seen := make(map[string]bool, len(bc.Resilience.Queues))
		for i, q := range bc.Resilience.Queues {
			if q.Name == "" {
				invalid = append(invalid, fmt.Sprintf("resilience.queues[%d].name", i))
				continue
			}
			if seen[q.Name] {
				invalid = append(invalid, fmt.Sprintf("resilience.queues[%d].name (duplicate %q)", i, q.Name))
			}
			seen[q.Name] = true
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration fields: %s", strings.Join(invalid, ", "))
	}

	return nil
}
