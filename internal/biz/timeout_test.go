package biz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWithTimeout(t *testing.T) {
	ctx := context.Background()

	v, err := runWithTimeout(ctx, time.Second, succeed("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	boom := errors.New("boom")
	_, err = runWithTimeout(ctx, time.Second, fail(boom))
	assert.Equal(t, boom, err)

	_, err = runWithTimeout(ctx, 0, fail(boom))
	assert.Equal(t, boom, err)
}

func TestRunWithTimeout_Expires(t *testing.T) {
	started := time.Now()
	_, err := runWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		time.Sleep(time.Second)
		return "late", nil
	})
	assert.True(t, IsOperationTimeout(err))
	assert.Less(t, time.Since(started), 500*time.Millisecond)
}

func TestRunWithTimeout_OperationObservesDeadline(t *testing.T) {
	_, err := runWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.True(t, IsOperationTimeout(err))
}

func TestRunWithTimeout_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runWithTimeout(ctx, time.Second, func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsOperationTimeout(err))
}

func TestSafeCall_RecoversPanic(t *testing.T) {
	_, err := safeCall(context.Background(), func(context.Context) (interface{}, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}
