package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"Bulwark/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// enqueueWindow is the lifetime of one per-tenant enqueue counter.
const enqueueWindow = 60 * time.Second

// TenantRateLimitRepo implements biz.TenantRateLimitRepo interface.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type TenantRateLimitRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

var _ biz.TenantRateLimitRepo = (*TenantRateLimitRepo)(nil)

// NewTenantRateLimitRepo creates a new rate limit repository.
func NewTenantRateLimitRepo(d *Data, logger log.Logger) *TenantRateLimitRepo {
	return &TenantRateLimitRepo{
		rdb:    d.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

// NewTenantRateLimitStore returns the redis repository, or nil without redis
// so the limiter keeps its process-local windows instead of failing per call.
func NewTenantRateLimitStore(d *Data, logger log.Logger) biz.TenantRateLimitRepo {
	if d.GetRedisClient() == nil {
		return nil
	}
	return NewTenantRateLimitRepo(d, logger)
}

// IncrementEnqueue increments the per-minute enqueue counter of a tenant on a queue.
// Uses Redis INCR with automatic expiration (60 seconds) on first increment.
func (r *TenantRateLimitRepo) IncrementEnqueue(ctx context.Context, queue, tenantID string) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	key := getRateLimitKey(queue, tenantID)

	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment enqueue counter: %w", err)
	}

	// first increment opens the window
	if count == 1 {
		if err := r.rdb.Expire(ctx, key, enqueueWindow).Err(); err != nil {
			r.logger.Warnf("Failed to set enqueue counter expiration for tenant %s on %s: %v", tenantID, queue, err)
		}
	}

	return count, nil
}

// GetEnqueueCount retrieves the current window counter.
// Returns 0 if key doesn't exist.
func (r *TenantRateLimitRepo) GetEnqueueCount(ctx context.Context, queue, tenantID string) (int64, error) {
	if r.rdb == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	count, err := r.rdb.Get(ctx, getRateLimitKey(queue, tenantID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get enqueue count: %w", err)
	}

	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse enqueue count: %w", err)
	}
	return n, nil
}

// getRateLimitKey generates a Redis key for tenant rate limiting.
// Format: bulwark:ratelimit:{queue}:{tenant}
func getRateLimitKey(queue, tenantID string) string {
	return fmt.Sprintf("%sratelimit:%s:%s", keyPrefix, queue, tenantID)
}
