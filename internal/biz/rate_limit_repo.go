package biz

import (
	"context"
)

// TenantRateLimitRepo counts enqueues per tenant and queue in fixed one-minute windows.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
// Implementation is in data layer (data.TenantRateLimitRepo).
type TenantRateLimitRepo interface {
	// IncrementEnqueue bumps the current window counter and returns the new count.
	IncrementEnqueue(ctx context.Context, queue, tenantID string) (int64, error)
	// GetEnqueueCount returns the current window counter, 0 when absent.
	GetEnqueueCount(ctx context.Context, queue, tenantID string) (int64, error)
}
