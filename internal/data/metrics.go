package data

import (
	"context"
	"fmt"
	"strconv"

	"Bulwark/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// defaultAggregationField is read when a condition names no aggregation.
const defaultAggregationField = "value"

// MetricsRepo reads externally published metrics from redis hashes.
// Each metric is a hash at bulwark:metrics:{name} whose fields are
// aggregations (value, avg, p95, ...).
type MetricsRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

var _ biz.MetricsProvider = (*MetricsRepo)(nil)

// NewMetricsRepo creates a redis metrics source.
func NewMetricsRepo(d *Data, logger log.Logger) *MetricsRepo {
	return &MetricsRepo{
		rdb:    d.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

// GetMetric implements biz.MetricsProvider. Absent metrics report ok=false.
func (r *MetricsRepo) GetMetric(ctx context.Context, name, aggregation string) (float64, bool, error) {
	if r.rdb == nil {
		return 0, false, nil
	}

	field := aggregation
	if field == "" {
		field = defaultAggregationField
	}

	raw, err := r.rdb.HGet(ctx, getMetricKey(name), field).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read metric %s: %w", name, err)
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("failed to parse metric %s: %w", name, err)
	}
	return v, true, nil
}

// PublishMetric writes one aggregation of a metric. Used by collectors
// sharing the redis instance and by tests.
func (r *MetricsRepo) PublishMetric(ctx context.Context, name, aggregation string, value float64) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if aggregation == "" {
		aggregation = defaultAggregationField
	}
	return r.rdb.HSet(ctx, getMetricKey(name), aggregation, strconv.FormatFloat(value, 'f', -1, 64)).Err()
}

// getMetricKey generates a Redis key for an external metric.
// Format: bulwark:metrics:{name}
func getMetricKey(name string) string {
	return keyPrefix + "metrics:" + name
}
