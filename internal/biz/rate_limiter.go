package biz

import (
	"context"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// TenantRateLimiter enforces the per-tenant, per-minute enqueue limit of a queue.
// Counters live in the repo (redis) when one is configured. On repo failure, or
// without a repo, a process-local fixed window takes over so limits still apply.
type TenantRateLimiter struct {
	repo   TenantRateLimitRepo
	logger *log.Helper
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	start time.Time
	count int64
}

// NewTenantRateLimiter creates a limiter. repo may be nil.
func NewTenantRateLimiter(repo TenantRateLimitRepo, logger log.Logger) *TenantRateLimiter {
	return &TenantRateLimiter{
		repo:    repo,
		logger:  log.NewHelper(logger),
		now:     time.Now,
		windows: make(map[string]*localWindow),
	}
}

// Allow counts one enqueue and reports whether it fits within limit.
// limit <= 0 means unlimited. The returned count is the window total including this call.
func (l *TenantRateLimiter) Allow(ctx context.Context, queue, tenantID string, limit int) (bool, int64) {
	if limit <= 0 {
		return true, 0
	}

	if l.repo != nil {
		count, err := l.repo.IncrementEnqueue(ctx, queue, tenantID)
		if err == nil {
			return count <= int64(limit), count
		}
		l.logger.Warnw("msg", "redis rate limit check failed, using local window",
			"queue", queue, "tenant_id", tenantID, "error", err)
	}

	count := l.incrementLocal(queue, tenantID)
	return count <= int64(limit), count
}

func (l *TenantRateLimiter) incrementLocal(queue, tenantID string) int64 {
	now := l.now()
	start := now.Truncate(time.Minute)
	key := queue + ":" + tenantID

	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &localWindow{start: start}
		l.windows[key] = w
	}
	w.count++
	return w.count
}

// Cleanup drops local windows older than the current minute.
func (l *TenantRateLimiter) Cleanup() int {
	start := l.now().Truncate(time.Minute)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if w.start.Before(start) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
