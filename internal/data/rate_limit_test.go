package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis instance for testing
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func testRedisData(rdb *redis.Client) *Data {
	return &Data{redisClient: rdb}
}

func TestIncrementEnqueue_FirstIncrement(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	repo := NewTenantRateLimitRepo(testRedisData(rdb), log.NewStdLogger(os.Stdout))

	ctx := context.Background()

	count, err := repo.IncrementEnqueue(ctx, "jobs", "tenant-a")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Verify TTL is set
	ttl := rdb.TTL(ctx, getRateLimitKey("jobs", "tenant-a")).Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 60*time.Second)
}

func TestIncrementEnqueue_SubsequentIncrements(t *testing.T) {
	rdb, _ := setupTestRedis(t)
	repo := NewTenantRateLimitRepo(testRedisData(rdb), log.NewStdLogger(os.Stdout))

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		count, err := repo.IncrementEnqueue(ctx, "jobs", "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	// counters are scoped per queue and tenant
	count, err := repo.IncrementEnqueue(ctx, "jobs", "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	count, err = repo.IncrementEnqueue(ctx, "mail", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIncrementEnqueue_WindowExpires(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewTenantRateLimitRepo(testRedisData(rdb), log.NewStdLogger(os.Stdout))

	ctx := context.Background()
	_, err := repo.IncrementEnqueue(ctx, "jobs", "tenant-a")
	require.NoError(t, err)
	_, err = repo.IncrementEnqueue(ctx, "jobs", "tenant-a")
	require.NoError(t, err)

	mr.FastForward(61 * time.Second)

	count, err := repo.GetEnqueueCount(ctx, "jobs", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	count, err = repo.IncrementEnqueue(ctx, "jobs", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGetEnqueueCount(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewTenantRateLimitRepo(testRedisData(rdb), log.NewStdLogger(os.Stdout))

	ctx := context.Background()

	count, err := repo.GetEnqueueCount(ctx, "jobs", "tenant-a")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, mr.Set(getRateLimitKey("jobs", "tenant-a"), "42"))
	count, err = repo.GetEnqueueCount(ctx, "jobs", "tenant-a")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), count)

	require.NoError(t, mr.Set(getRateLimitKey("jobs", "tenant-b"), "not-a-number"))
	_, err = repo.GetEnqueueCount(ctx, "jobs", "tenant-b")
	assert.Error(t, err)
}

func TestTenantRateLimitRepo_NilRedis(t *testing.T) {
	repo := NewTenantRateLimitRepo(&Data{}, log.DefaultLogger)

	_, err := repo.IncrementEnqueue(context.Background(), "jobs", "tenant-a")
	assert.Error(t, err)
	_, err = repo.GetEnqueueCount(context.Background(), "jobs", "tenant-a")
	assert.Error(t, err)
}

func TestTenantRateLimitRepo_RedisDown(t *testing.T) {
	rdb, mr := setupTestRedis(t)
	repo := NewTenantRateLimitRepo(testRedisData(rdb), log.DefaultLogger)

	mr.Close()

	_, err := repo.IncrementEnqueue(context.Background(), "jobs", "tenant-a")
	assert.Error(t, err)
}

func TestGetRateLimitKey(t *testing.T) {
	assert.Equal(t, "bulwark:ratelimit:jobs:tenant-a", getRateLimitKey("jobs", "tenant-a"))
}

func TestNewTenantRateLimitStore(t *testing.T) {
	assert.Nil(t, NewTenantRateLimitStore(&Data{}, log.DefaultLogger))

	rdb, _ := setupTestRedis(t)
	store := NewTenantRateLimitStore(testRedisData(rdb), log.DefaultLogger)
	require.NotNil(t, store)
	count, err := store.IncrementEnqueue(context.Background(), "jobs", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
