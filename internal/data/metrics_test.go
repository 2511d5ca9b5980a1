package data

import (
	"context"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRepo_GetMetric(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	repo := NewMetricsRepo(testRedisData(rdb), log.DefaultLogger)
	ctx := context.Background()

	require.NoError(t, repo.PublishMetric(ctx, "response_time", "p95", 2500))
	require.NoError(t, repo.PublishMetric(ctx, "availability", "", 99.95))

	v, ok, err := repo.GetMetric(ctx, "response_time", "p95")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2500.0, v)

	v, ok, err = repo.GetMetric(ctx, "availability", "")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 99.95, v, 1e-9)

	// missing aggregation and missing metric
	_, ok, err = repo.GetMetric(ctx, "response_time", "avg")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = repo.GetMetric(ctx, "error_rate", "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rdb.HSet(ctx, getMetricKey("error_rate"), "value", "n/a").Err())
	_, _, err = repo.GetMetric(ctx, "error_rate", "")
	assert.Error(t, err)
}

func TestMetricsRepo_NilRedis(t *testing.T) {
	repo := NewMetricsRepo(&Data{}, log.DefaultLogger)

	_, ok, err := repo.GetMetric(context.Background(), "availability", "")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, repo.PublishMetric(context.Background(), "availability", "", 1))
}
