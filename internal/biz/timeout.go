package biz

import (
	"context"
	"fmt"
	"time"
)

// Operation is a protected unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// Fallback produces a substitute result after op failed with cause.
type Fallback func(ctx context.Context, cause error) (interface{}, error)

// runWithTimeout races op against timeout. The operation receives a context
// that is cancelled when the race is lost, but nothing forces it to stop:
// the caller stops waiting, the work itself may keep running.
func runWithTimeout(ctx context.Context, timeout time.Duration, op Operation) (interface{}, error) {
	if timeout <= 0 {
		return safeCall(ctx, op)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := safeCall(opCtx, op)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && opCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutError(timeout)
		}
		return o.value, o.err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, timeoutError(timeout)
	}
}

func safeCall(ctx context.Context, op Operation) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func timeoutError(timeout time.Duration) error {
	return withMeta(ErrOperationTimeout, "timeout", timeout.String())
}
