package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

func (s BreakerState) gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// ParseBreakerState parses a state name.
func ParseBreakerState(v string) (BreakerState, bool) {
	switch s := BreakerState(v); s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return s, true
	}
	return "", false
}

// TripStrategy selects the condition that opens a closed breaker.
type TripStrategy string

const (
	TripFailureCount TripStrategy = "failure_count"
	TripFailureRate  TripStrategy = "failure_rate"
	TripResponseTime TripStrategy = "response_time"
)

// BreakerConfig configures one breaker. Zero fields take defaults.
type BreakerConfig struct {
	TripStrategy          TripStrategy
	FailureThreshold      int
	FailureRateThreshold  float64 // percent
	ResponseTimeThreshold time.Duration
	MonitoringPeriod      time.Duration
	MinimumThroughput     int
	ResetTimeout          time.Duration
	HalfOpenMaxCalls      int
	SuccessThreshold      int
	CallTimeout           time.Duration
	WindowSize            int
	EventLogSize          int
}

// DefaultBreakerConfig returns the built-in defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TripStrategy:          TripFailureCount,
		FailureThreshold:      5,
		FailureRateThreshold:  50,
		ResponseTimeThreshold: 5 * time.Second,
		MonitoringPeriod:      time.Minute,
		MinimumThroughput:     10,
		ResetTimeout:          30 * time.Second,
		HalfOpenMaxCalls:      3,
		SuccessThreshold:      3,
		WindowSize:            1000,
		EventLogSize:          500,
	}
}

func (c BreakerConfig) normalize() BreakerConfig {
	d := DefaultBreakerConfig()
	switch c.TripStrategy {
	case TripFailureCount, TripFailureRate, TripResponseTime:
	default:
		c.TripStrategy = d.TripStrategy
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.ResponseTimeThreshold <= 0 {
		c.ResponseTimeThreshold = d.ResponseTimeThreshold
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = d.MonitoringPeriod
	}
	if c.MinimumThroughput < 0 {
		c.MinimumThroughput = 0
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	// closing must be reachable with the trial calls half-open admits
	if c.SuccessThreshold > c.HalfOpenMaxCalls {
		c.SuccessThreshold = c.HalfOpenMaxCalls
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = d.EventLogSize
	}
	return c
}

// BreakerEventType distinguishes entries of the breaker event log.
type BreakerEventType string

const (
	BreakerEventStateChange BreakerEventType = "STATE_CHANGE"
	BreakerEventCall        BreakerEventType = "CALL"
	BreakerEventRejected    BreakerEventType = "REJECTED"
)

// BreakerEvent is one entry of the bounded in-memory event log.
type BreakerEvent struct {
	Type    BreakerEventType `json:"type"`
	From    BreakerState     `json:"from,omitempty"`
	To      BreakerState     `json:"to,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Success bool             `json:"success"`
	Latency time.Duration    `json:"latency"`
	Error   string           `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}

// BreakerMetrics is a point-in-time view over the sliding window.
type BreakerMetrics struct {
	Name                 string        `json:"name"`
	State                BreakerState  `json:"state"`
	Strategy             TripStrategy  `json:"strategy"`
	TotalCalls           int           `json:"total_calls"`
	Successes            int           `json:"successes"`
	Failures             int           `json:"failures"`
	FailureRate          float64       `json:"failure_rate"`
	AverageLatency       time.Duration `json:"average_latency"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	HalfOpenCalls        int           `json:"half_open_calls"`
	Rejected             uint64        `json:"rejected"`
	LastStateChange      time.Time     `json:"last_state_change"`
	LastFailure          time.Time     `json:"last_failure,omitempty"`
	LastActivity         time.Time     `json:"last_activity"`
}

type callRecord struct {
	success bool
	latency time.Duration
	at      time.Time
}

type transition struct {
	from, to BreakerState
	reason   string
	at       time.Time
}

// CircuitBreaker protects calls to one named dependency.
type CircuitBreaker struct {
	name     string
	cfg      BreakerConfig
	audit    AuditSink
	outbox   *EventOutbox
	recorder *metrics.Recorder
	logger   *pkglog.LogHelper
	now      func() time.Time

	mu                   sync.Mutex
	state                BreakerState
	generation           uint64
	window               []callRecord
	openedAt             time.Time
	lastStateChange      time.Time
	lastFailure          time.Time
	lastActivity         time.Time
	halfOpenCalls        int
	consecutiveSuccesses int
	rejected             uint64
	events               []BreakerEvent
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig, audit AuditSink, outbox *EventOutbox, recorder *metrics.Recorder, logger log.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:     name,
		cfg:      cfg.normalize(),
		audit:    audit,
		outbox:   outbox,
		recorder: recorder,
		logger:   pkglog.NewLogHelper(logger),
		now:      time.Now,
		state:    BreakerClosed,
	}
	cb.lastStateChange = cb.now()
	cb.lastActivity = cb.lastStateChange
	recorder.BreakerState(name, BreakerClosed.gauge())
	return cb
}

// Name returns the protected dependency name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() BreakerConfig {
	return cb.cfg
}

// Execute runs op under the breaker. While the circuit is open the call is
// rejected and fallback, when given, supplies the result. When op fails and
// leaves the circuit open, fallback is invoked as well. A failing fallback
// yields a *FallbackError wrapping the original error.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Fallback) (interface{}, error) {
	generation, trans, err := cb.beforeCall()
	cb.publish(ctx, trans)
	if err != nil {
		cb.recorder.BreakerCall(cb.name, "rejected")
		recordAudit(ctx, cb.audit, model.AuditEntry{
			Action:       model.AuditBreakerCall,
			ResourceType: "circuit_breaker",
			ResourceID:   cb.name,
			Outcome:      model.OutcomeDenied,
			Severity:     model.SeverityLow,
			Metadata:     map[string]interface{}{"reason": errors.Reason(err)},
		})
		if fallback != nil && errors.Is(err, ErrCircuitOpen) {
			return cb.runFallback(ctx, err, fallback)
		}
		return nil, err
	}

	start := cb.now()
	result, opErr := runWithTimeout(ctx, cb.cfg.CallTimeout, op)
	latency := cb.now().Sub(start)

	state, trans := cb.afterCall(generation, opErr, latency)
	cb.publish(ctx, trans)

	outcome, sev := model.OutcomeSuccess, model.SeverityLow
	if opErr != nil {
		outcome, sev = model.OutcomeFailure, model.SeverityMedium
		cb.recorder.BreakerCall(cb.name, "failure")
	} else {
		cb.recorder.BreakerCall(cb.name, "success")
	}
	md := map[string]interface{}{"latency_ms": latency.Milliseconds(), "state": string(state)}
	if opErr != nil {
		md["error"] = opErr.Error()
	}
	recordAudit(ctx, cb.audit, model.AuditEntry{
		Action:       model.AuditBreakerCall,
		ResourceType: "circuit_breaker",
		ResourceID:   cb.name,
		Outcome:      outcome,
		Severity:     sev,
		Metadata:     md,
	})

	if opErr == nil {
		return result, nil
	}
	if fallback != nil && state == BreakerOpen {
		return cb.runFallback(ctx, opErr, fallback)
	}
	return nil, opErr
}

func (cb *CircuitBreaker) runFallback(ctx context.Context, cause error, fallback Fallback) (interface{}, error) {
	v, err := safeCall(ctx, func(ctx context.Context) (interface{}, error) { return fallback(ctx, cause) })
	if err != nil {
		cb.recorder.BreakerCall(cb.name, "fallback_failure")
		cb.logger.Warnw("msg", "circuit breaker fallback failed",
			"type", "breaker", "breaker", cb.name, "error", err, "cause", cause)
		return nil, &FallbackError{Err: cause, FallbackErr: err}
	}
	cb.recorder.BreakerCall(cb.name, "fallback")
	return v, nil
}

func (cb *CircuitBreaker) beforeCall() (uint64, []transition, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.lastActivity = now
	var trans []transition

	if cb.state == BreakerOpen {
		if now.Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.rejected++
			cb.appendEvent(BreakerEvent{Type: BreakerEventRejected, Reason: ReasonCircuitOpen, At: now})
			return cb.generation, nil, withMeta(ErrCircuitOpen, "breaker", cb.name)
		}
		trans = append(trans, cb.setState(BreakerHalfOpen, "reset timeout elapsed", now))
	}

	if cb.state == BreakerHalfOpen {
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			cb.rejected++
			cb.appendEvent(BreakerEvent{Type: BreakerEventRejected, Reason: ReasonHalfOpenLimit, At: now})
			return cb.generation, trans, withMeta(ErrHalfOpenLimit, "breaker", cb.name)
		}
		cb.halfOpenCalls++
	}
	return cb.generation, trans, nil
}

func (cb *CircuitBreaker) afterCall(generation uint64, opErr error, latency time.Duration) (BreakerState, []transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	success := opErr == nil
	ev := BreakerEvent{Type: BreakerEventCall, Success: success, Latency: latency, At: now}
	if opErr != nil {
		ev.Error = opErr.Error()
		cb.lastFailure = now
	}
	cb.appendEvent(ev)
	cb.lastActivity = now

	// a forced transition or reset happened while the call was in flight
	if generation != cb.generation {
		return cb.state, nil
	}

	cb.window = append(cb.window, callRecord{success: success, latency: latency, at: now})
	if len(cb.window) > cb.cfg.WindowSize {
		cb.window = cb.window[len(cb.window)-cb.cfg.WindowSize:]
	}

	var trans []transition
	switch cb.state {
	case BreakerClosed:
		cb.evict(now)
		if reason, trip := cb.shouldTrip(); trip {
			trans = append(trans, cb.setState(BreakerOpen, reason, now))
		}
	case BreakerHalfOpen:
		if !success {
			trans = append(trans, cb.setState(BreakerOpen, "trial call failed", now))
			break
		}
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			trans = append(trans, cb.setState(BreakerClosed, "trial calls succeeded", now))
		}
	}
	return cb.state, trans
}

func (cb *CircuitBreaker) evict(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitoringPeriod)
	i := 0
	for i < len(cb.window) && cb.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.window = append(cb.window[:0], cb.window[i:]...)
	}
}

type windowStats struct {
	total, failures int
	failureRate     float64
	avgLatency      time.Duration
}

func (cb *CircuitBreaker) stats() windowStats {
	var s windowStats
	var latency time.Duration
	for _, r := range cb.window {
		s.total++
		if !r.success {
			s.failures++
		}
		latency += r.latency
	}
	if s.total > 0 {
		s.failureRate = float64(s.failures) * 100 / float64(s.total)
		s.avgLatency = latency / time.Duration(s.total)
	}
	return s
}

func (cb *CircuitBreaker) shouldTrip() (string, bool) {
	s := cb.stats()
	if s.total == 0 || s.total < cb.cfg.MinimumThroughput {
		return "", false
	}
	switch cb.cfg.TripStrategy {
	case TripFailureRate:
		if s.failureRate >= cb.cfg.FailureRateThreshold {
			return fmt.Sprintf("failure rate %.1f%% >= %.1f%%", s.failureRate, cb.cfg.FailureRateThreshold), true
		}
	case TripResponseTime:
		if s.avgLatency >= cb.cfg.ResponseTimeThreshold {
			return fmt.Sprintf("average latency %s >= %s", s.avgLatency, cb.cfg.ResponseTimeThreshold), true
		}
	default:
		if s.failures >= cb.cfg.FailureThreshold {
			return fmt.Sprintf("%d failures >= %d", s.failures, cb.cfg.FailureThreshold), true
		}
	}
	return "", false
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to BreakerState, reason string, now time.Time) transition {
	t := transition{from: cb.state, to: to, reason: reason, at: now}
	cb.state = to
	cb.generation++
	cb.lastStateChange = now
	cb.halfOpenCalls = 0
	cb.consecutiveSuccesses = 0

	switch to {
	case BreakerOpen:
		cb.openedAt = now
	case BreakerClosed:
		cb.window = cb.window[:0]
	}
	cb.appendEvent(BreakerEvent{Type: BreakerEventStateChange, From: t.from, To: to, Reason: reason, At: now})
	return t
}

func (cb *CircuitBreaker) appendEvent(ev BreakerEvent) {
	cb.events = append(cb.events, ev)
	if over := len(cb.events) - cb.cfg.EventLogSize; over > 0 {
		cb.events = append(cb.events[:0], cb.events[over:]...)
	}
}

// publish reports transitions outside the lock.
func (cb *CircuitBreaker) publish(ctx context.Context, trans []transition) {
	for _, t := range trans {
		if t.from == t.to {
			continue
		}
		cb.logger.Breaker(cb.name, string(t.from), string(t.to), "reason", t.reason)
		cb.recorder.BreakerState(cb.name, t.to.gauge())
		cb.recorder.BreakerTransition(cb.name, string(t.to))

		sev := model.SeverityLow
		if t.to == BreakerOpen {
			sev = model.SeverityHigh
		}
		recordAudit(ctx, cb.audit, model.AuditEntry{
			Action:       model.AuditBreakerStateChanged,
			ResourceType: "circuit_breaker",
			ResourceID:   cb.name,
			Outcome:      model.OutcomeSuccess,
			Severity:     sev,
			Metadata: map[string]interface{}{
				"from":   string(t.from),
				"to":     string(t.to),
				"reason": t.reason,
			},
			OccurredAt: t.at,
		})
		cb.outbox.Publish(model.ResilienceEvent{
			Kind:       model.EventBreakerStateChanged,
			Subject:    cb.name,
			From:       string(t.from),
			To:         string(t.to),
			Severity:   sev,
			Attributes: map[string]string{"reason": t.reason},
			OccurredAt: t.at,
		})
	}
}

// GetState returns the stored state. An open breaker whose reset timeout
// elapsed still reports OPEN until the next call moves it to HALF_OPEN.
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetMetrics summarises the sliding window.
func (cb *CircuitBreaker) GetMetrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.evict(cb.now())
	s := cb.stats()
	return BreakerMetrics{
		Name:                 cb.name,
		State:                cb.state,
		Strategy:             cb.cfg.TripStrategy,
		TotalCalls:           s.total,
		Successes:            s.total - s.failures,
		Failures:             s.failures,
		FailureRate:          s.failureRate,
		AverageLatency:       s.avgLatency,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		HalfOpenCalls:        cb.halfOpenCalls,
		Rejected:             cb.rejected,
		LastStateChange:      cb.lastStateChange,
		LastFailure:          cb.lastFailure,
		LastActivity:         cb.lastActivity,
	}
}

// Events returns a copy of the event log, oldest first.
func (cb *CircuitBreaker) Events() []BreakerEvent {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]BreakerEvent, len(cb.events))
	copy(out, cb.events)
	return out
}

// ForceState moves the breaker to state regardless of the window.
func (cb *CircuitBreaker) ForceState(ctx context.Context, state BreakerState, reason string) {
	cb.mu.Lock()
	var trans []transition
	if cb.state != state {
		trans = append(trans, cb.setState(state, "forced: "+reason, cb.now()))
	}
	cb.mu.Unlock()
	cb.publish(ctx, trans)
}

// Reset closes the breaker and clears the window and counters.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	now := cb.now()
	var trans []transition
	if cb.state != BreakerClosed {
		trans = append(trans, cb.setState(BreakerClosed, "reset", now))
	} else {
		cb.generation++
	}
	cb.window = cb.window[:0]
	cb.rejected = 0
	cb.lastActivity = now
	cb.mu.Unlock()
	cb.publish(ctx, trans)
}

func (cb *CircuitBreaker) idleSince() (BreakerState, time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.lastActivity
}
