package biz

import (
	"context"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
)

// BreakerConfigFromConf converts the configuration defaults.
func BreakerConfigFromConf(c conf.CircuitBreaker) BreakerConfig {
	return BreakerConfig{
		TripStrategy:          TripStrategy(c.TripStrategy),
		FailureThreshold:      c.FailureThreshold,
		FailureRateThreshold:  c.FailureRateThreshold,
		ResponseTimeThreshold: c.ResponseTimeThreshold,
		MonitoringPeriod:      c.MonitoringPeriod,
		MinimumThroughput:     c.MinimumThroughput,
		ResetTimeout:          c.ResetTimeout,
		HalfOpenMaxCalls:      c.HalfOpenMaxCalls,
		SuccessThreshold:      c.SuccessThreshold,
		CallTimeout:           c.CallTimeout,
		WindowSize:            c.WindowSize,
		EventLogSize:          c.EventLogSize,
	}
}

func applyOverride(base BreakerConfig, o conf.BreakerOverride) BreakerConfig {
	if o.TripStrategy != "" {
		base.TripStrategy = TripStrategy(o.TripStrategy)
	}
	if o.FailureThreshold > 0 {
		base.FailureThreshold = o.FailureThreshold
	}
	if o.FailureRateThreshold > 0 {
		base.FailureRateThreshold = o.FailureRateThreshold
	}
	if o.ResponseTimeThreshold > 0 {
		base.ResponseTimeThreshold = o.ResponseTimeThreshold
	}
	if o.ResetTimeout > 0 {
		base.ResetTimeout = o.ResetTimeout
	}
	if o.CallTimeout > 0 {
		base.CallTimeout = o.CallTimeout
	}
	return base
}

// BreakerRegistry owns every circuit breaker. Breakers are created on first
// use and never handed out beyond the registry's callers.
type BreakerRegistry struct {
	defaults  BreakerConfig
	overrides map[string]conf.BreakerOverride
	idleTTL   time.Duration
	audit     AuditSink
	outbox    *EventOutbox
	recorder  *metrics.Recorder
	logger    log.Logger
	helper    *log.Helper
	now       func() time.Time

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(c *conf.Resilience, audit AuditSink, outbox *EventOutbox, recorder *metrics.Recorder, logger log.Logger) *BreakerRegistry {
	r := &BreakerRegistry{
		defaults:  DefaultBreakerConfig(),
		overrides: map[string]conf.BreakerOverride{},
		idleTTL:   time.Hour,
		audit:     audit,
		outbox:    outbox,
		recorder:  recorder,
		logger:    logger,
		helper:    log.NewHelper(logger),
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
	}
	if c != nil {
		r.defaults = BreakerConfigFromConf(c.CircuitBreaker).normalize()
		if c.CircuitBreaker.IdleTTL > 0 {
			r.idleTTL = c.CircuitBreaker.IdleTTL
		}
		for name, o := range c.Breakers {
			r.overrides[name] = o
		}
	}
	return r
}

// Get returns the breaker for name, creating it when absent.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[name]; ok {
		return cb
	}
	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		cfg = applyOverride(cfg, o)
	}
	cb = NewCircuitBreaker(name, cfg, r.audit, r.outbox, r.recorder, r.logger)
	cb.now = r.now
	cb.lastStateChange = r.now()
	cb.lastActivity = cb.lastStateChange
	r.breakers[name] = cb
	r.helper.Debugw("msg", "circuit breaker created", "breaker", name, "strategy", cfg.normalize().TripStrategy)
	return cb
}

// Lookup returns an existing breaker without creating one.
func (r *BreakerRegistry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Execute runs op through the named breaker.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, op Operation, fallback Fallback) (interface{}, error) {
	return r.Get(name).Execute(ctx, op, fallback)
}

// States snapshots the state of every breaker.
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	out := make(map[string]BreakerState, len(list))
	for _, cb := range list {
		out[cb.Name()] = cb.GetState()
	}
	return out
}

// Metrics returns the metrics of every breaker ordered by name.
func (r *BreakerRegistry) Metrics() []BreakerMetrics {
	r.mu.RLock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.RUnlock()

	out := make([]BreakerMetrics, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.GetMetrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCount returns how many breakers are not closed.
func (r *BreakerRegistry) OpenCount() int {
	n := 0
	for _, s := range r.States() {
		if s != BreakerClosed {
			n++
		}
	}
	return n
}

// Sweep removes closed breakers idle for longer than idle; idle <= 0 uses
// the configured TTL. Open and half-open breakers are kept.
func (r *BreakerRegistry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		idle = r.idleTTL
	}
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, cb := range r.breakers {
		state, last := cb.idleSince()
		if state == BreakerClosed && last.Before(cutoff) {
			delete(r.breakers, name)
			r.recorder.ForgetBreaker(name)
			removed++
		}
	}
	if removed > 0 {
		r.helper.Infow("msg", "idle circuit breakers removed", "removed", removed, "idle", idle.String())
	}
	return removed
}
