// Package data provides data access layer implementations.
// Redis backs tenant rate limits, dead letters and the external metrics
// source; MySQL backs the audit log. Both stores are optional.
package data

import (
	"Bulwark/internal/biz"
	"Bulwark/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
	NewTenantRateLimitStore,
	NewDeadLetterRepo,
	NewMetricsRepo,
	NewAuditLogger,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(biz.DeadLetterSink), new(*DeadLetterRepo)),
	wire.Bind(new(biz.AuditSink), new(*AuditLogger)),
	wire.Bind(new(biz.MetricsProvider), new(*MetricsRepo)),
)

// Data contains all data layer dependencies.
type Data struct {
	// redisClient is nil when redis is not configured
	redisClient *redis.Client
	// db is nil when mysql is not configured
	db *gorm.DB
}

// NewData creates a new Data instance with all data layer dependencies.
// Missing stores do not prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, db *gorm.DB) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, rate limits and dead letters stay in memory")
	}
	if db == nil {
		helper.Warn("MySQL client is nil, audit entries are only logged")
	}

	d := &Data{
		redisClient: rdb,
		db:          db,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		// store connections are closed by their own cleanup functions,
		// which Wire calls automatically
	}

	return d, cleanup, nil
}

// GetRedisClient returns the Redis client, nil when not configured.
func (d *Data) GetRedisClient() *redis.Client {
	if d == nil {
		return nil
	}
	return d.redisClient
}

// GetDB returns the audit database, nil when not configured.
func (d *Data) GetDB() *gorm.DB {
	if d == nil {
		return nil
	}
	return d.db
}
