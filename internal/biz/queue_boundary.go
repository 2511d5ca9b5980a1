package biz

import (
	"math"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
)

// Priority orders messages for dequeue. Lower rank is served first.
type Priority string

const (
	PriorityCritical   Priority = "CRITICAL"
	PriorityHigh       Priority = "HIGH"
	PriorityNormal     Priority = "NORMAL"
	PriorityLow        Priority = "LOW"
	PriorityBackground Priority = "BACKGROUND"
)

// Rank returns 0 for CRITICAL through 4 for BACKGROUND; unknown values rank as NORMAL.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	case PriorityBackground:
		return 4
	default:
		return 2
	}
}

// BoundaryStatus is the admission status of a queue boundary.
type BoundaryStatus string

const (
	BoundaryActive        BoundaryStatus = "ACTIVE"
	BoundaryDegraded      BoundaryStatus = "DEGRADED"
	BoundaryIsolated      BoundaryStatus = "ISOLATED"
	BoundaryCircuitBroken BoundaryStatus = "CIRCUIT_BROKEN"
)

func (s BoundaryStatus) gauge() float64 {
	switch s {
	case BoundaryDegraded:
		return 1
	case BoundaryCircuitBroken:
		return 2
	case BoundaryIsolated:
		return 3
	default:
		return 0
	}
}

// Boundary circuit thresholds over the rolling window.
const (
	boundaryWindow       = 5 * time.Minute
	boundaryTripRate     = 0.5
	boundaryHalfOpenRate = 0.2
	boundaryRestoreRate  = 0.1
)

// RetryPolicy controls redelivery of rejected messages.
type RetryPolicy struct {
	Enabled           bool
	MaxAttempts       int `validate:"gte=1,lte=100"`
	InitialDelay      time.Duration
	BackoffMultiplier float64 `validate:"gte=1"`
	MaxDelay          time.Duration
}

// Delay returns the backoff before redelivery after attempts failed attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// QueueConfig configures one boundary.
type QueueConfig struct {
	Name               string `validate:"required,max=128"`
	MaxSize            int    `validate:"gte=1"`
	MaxConcurrency     int    `validate:"gte=0"`
	RateLimitPerMinute int    `validate:"gte=0"`
	MessageTTL         time.Duration
	VisibilityTimeout  time.Duration
	PollInterval       time.Duration
	MinimumSamples     int `validate:"gte=0"`
	OpenCooldown       time.Duration
	Retry              RetryPolicy
}

// DefaultQueueConfig returns a config for name with built-in defaults.
func DefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{
		Name:              name,
		MaxSize:           10000,
		MaxConcurrency:    10,
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      100 * time.Millisecond,
		MinimumSamples:    10,
		OpenCooldown:      30 * time.Second,
		Retry: RetryPolicy{
			Enabled:           true,
			MaxAttempts:       3,
			InitialDelay:      time.Second,
			BackoffMultiplier: 2,
			MaxDelay:          5 * time.Minute,
		},
	}
}

// QueueConfigFromConf overlays configured values on the defaults.
func QueueConfigFromConf(q conf.Queue) QueueConfig {
	c := DefaultQueueConfig(q.Name)
	if q.MaxSize != 0 {
		c.MaxSize = q.MaxSize
	}
	if q.MaxConcurrency != 0 {
		c.MaxConcurrency = q.MaxConcurrency
	}
	c.RateLimitPerMinute = q.RateLimitPerMinute
	c.MessageTTL = q.MessageTTL
	if q.VisibilityTimeout != 0 {
		c.VisibilityTimeout = q.VisibilityTimeout
	}
	if q.PollInterval != 0 {
		c.PollInterval = q.PollInterval
	}
	if q.MinimumSamples != 0 {
		c.MinimumSamples = q.MinimumSamples
	}
	if q.OpenCooldown != 0 {
		c.OpenCooldown = q.OpenCooldown
	}
	if q.RetryEnabled != nil {
		c.Retry.Enabled = *q.RetryEnabled
	}
	if q.MaxAttempts != 0 {
		c.Retry.MaxAttempts = q.MaxAttempts
	}
	if q.InitialDelay != 0 {
		c.Retry.InitialDelay = q.InitialDelay
	}
	if q.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = q.BackoffMultiplier
	}
	if q.MaxDelay != 0 {
		c.Retry.MaxDelay = q.MaxDelay
	}
	return c
}

type messageState int

const (
	statePending messageState = iota
	stateInFlight
)

// QueueMessage is one message. Values returned to callers are copies.
type QueueMessage struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue"`
	TenantID      string            `json:"tenant_id"`
	Priority      Priority          `json:"priority"`
	Payload       []byte            `json:"payload"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"max_attempts"`
	CreatedAt     time.Time         `json:"created_at"`
	ScheduledAt   time.Time         `json:"scheduled_at"`
	ExpiresAt     time.Time         `json:"expires_at,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	state      messageState
	dequeuedAt time.Time
}

func (m *QueueMessage) snapshot() *QueueMessage {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Metadata != nil {
		c.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *QueueMessage) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// QueueBoundaryMetrics is a snapshot of one boundary.
type QueueBoundaryMetrics struct {
	Queue              string         `json:"queue"`
	Status             BoundaryStatus `json:"status"`
	Pending            int            `json:"pending"`
	InFlight           int            `json:"in_flight"`
	MaxSize            int            `json:"max_size"`
	Enqueued           uint64         `json:"enqueued"`
	Dequeued           uint64         `json:"dequeued"`
	Acknowledged       uint64         `json:"acknowledged"`
	Rejected           uint64         `json:"rejected"`
	Retried            uint64         `json:"retried"`
	DeadLettered       uint64         `json:"dead_lettered"`
	Expired            uint64         `json:"expired"`
	AdmissionRejected  uint64         `json:"admission_rejected"`
	FailureRate        float64        `json:"failure_rate"`
	WindowSamples      int            `json:"window_samples"`
	AvgProcessingTime  time.Duration  `json:"avg_processing_time"`
	QuarantinedTenants []string       `json:"quarantined_tenants"`
	LastStatusChange   time.Time      `json:"last_status_change"`
}

type outcomeSample struct {
	at     time.Time
	failed bool
}

type quarantineEntry struct {
	reason string
	since  time.Time
}

type statusChange struct {
	from, to BoundaryStatus
	reason   string
	rate     float64
	at       time.Time
}

type deadLetter struct {
	msg    *QueueMessage
	reason model.DeadLetterReason
	at     time.Time
}

// queueEffects are side effects collected under the boundary lock and
// applied by the manager after it is released.
type queueEffects struct {
	changes     []statusChange
	deadLetters []deadLetter
}

// queueBoundary owns the messages and circuit state of one queue.
type queueBoundary struct {
	cfg QueueConfig

	mu               sync.Mutex
	status           BoundaryStatus
	lastStatusChange time.Time
	brokenAt         time.Time
	messages         map[string]*QueueMessage
	inFlight         int
	reserved         int
	samples          []outcomeSample
	quarantined      map[string]quarantineEntry

	enqueued, dequeued, acked, rejected uint64
	retried, deadLettered, expiredCount uint64
	admissionRejected                   uint64
	processingTotal                     time.Duration
	processingCount                     uint64
}

func newQueueBoundary(cfg QueueConfig, now time.Time) *queueBoundary {
	return &queueBoundary{
		cfg:              cfg,
		status:           BoundaryActive,
		lastStatusChange: now,
		messages:         make(map[string]*QueueMessage),
		quarantined:      make(map[string]quarantineEntry),
	}
}

// admit checks every admission rule. Must be called with mu held.
func (b *queueBoundary) admit(tenantID string) error {
	if err := b.open(tenantID); err != nil {
		return err
	}
	if len(b.messages)+b.reserved >= b.cfg.MaxSize {
		return withMeta(ErrQueueFull, "queue", b.cfg.Name)
	}
	return nil
}

// open reports whether the boundary accepts work from tenantID.
func (b *queueBoundary) open(tenantID string) error {
	switch b.status {
	case BoundaryIsolated:
		return withMeta(ErrBoundaryIsolated, "queue", b.cfg.Name)
	case BoundaryCircuitBroken:
		return withMeta(ErrBoundaryCircuitBroken, "queue", b.cfg.Name)
	}
	if _, ok := b.quarantined[tenantID]; ok {
		return withMeta(ErrTenantQuarantined, "queue", b.cfg.Name, "tenant_id", tenantID)
	}
	return nil
}

// selectNext returns the eligible pending message with the lowest priority
// rank, oldest first. Must be called with mu held.
func (b *queueBoundary) selectNext(tenantID string, now time.Time) *QueueMessage {
	var best *QueueMessage
	for _, m := range b.messages {
		if m.state != statePending || m.ScheduledAt.After(now) || m.expired(now) {
			continue
		}
		if tenantID != "" && m.TenantID != tenantID {
			continue
		}
		if _, q := b.quarantined[m.TenantID]; q {
			continue
		}
		if best == nil || better(m, best) {
			best = m
		}
	}
	return best
}

func better(a, b *QueueMessage) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// recordOutcome appends a processing outcome and re-evaluates the circuit.
func (b *queueBoundary) recordOutcome(failed bool, now time.Time, fx *queueEffects) {
	b.samples = append(b.samples, outcomeSample{at: now, failed: failed})
	b.evaluate(now, fx)
}

func (b *queueBoundary) failureRate(now time.Time) (float64, int) {
	cutoff := now.Add(-boundaryWindow)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
	if len(b.samples) == 0 {
		return 0, 0
	}
	failed := 0
	for _, s := range b.samples {
		if s.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(b.samples)), len(b.samples)
}

// evaluate drives the self-protecting circuit. ISOLATED only changes
// through explicit isolate/restore calls.
func (b *queueBoundary) evaluate(now time.Time, fx *queueEffects) {
	if b.status == BoundaryIsolated {
		return
	}
	rate, n := b.failureRate(now)

	switch b.status {
	case BoundaryActive, BoundaryDegraded:
		if n >= b.cfg.MinimumSamples && n > 0 && rate > boundaryTripRate {
			b.brokenAt = now
			b.setStatus(BoundaryCircuitBroken, "failure rate above trip threshold", rate, now, fx)
			return
		}
		if b.status == BoundaryDegraded && rate < boundaryRestoreRate {
			b.setStatus(BoundaryActive, "failure rate recovered", rate, now, fx)
		}
	case BoundaryCircuitBroken:
		if now.Sub(b.brokenAt) >= b.cfg.OpenCooldown && rate < boundaryHalfOpenRate {
			b.setStatus(BoundaryDegraded, "entering half-open", rate, now, fx)
		}
	}
}

func (b *queueBoundary) setStatus(to BoundaryStatus, reason string, rate float64, now time.Time, fx *queueEffects) {
	if b.status == to {
		return
	}
	fx.changes = append(fx.changes, statusChange{from: b.status, to: to, reason: reason, rate: rate, at: now})
	b.status = to
	b.lastStatusChange = now
}

// remove drops a message from the active store. Must be called with mu held.
func (b *queueBoundary) remove(m *QueueMessage) {
	if m.state == stateInFlight {
		b.inFlight--
	}
	delete(b.messages, m.ID)
}

func (b *queueBoundary) deadLetter(m *QueueMessage, reason model.DeadLetterReason, now time.Time, fx *queueEffects) {
	b.remove(m)
	b.deadLettered++
	fx.deadLetters = append(fx.deadLetters, deadLetter{msg: m, reason: reason, at: now})
}

// maintain expires messages, reclaims in-flight messages whose visibility
// timeout elapsed and re-evaluates the circuit.
func (b *queueBoundary) maintain(now time.Time, fx *queueEffects) {
	for _, m := range b.messages {
		if m.state == stateInFlight {
			if b.cfg.VisibilityTimeout > 0 && now.Sub(m.dequeuedAt) >= b.cfg.VisibilityTimeout {
				m.Attempts++
				m.LastError = "visibility timeout elapsed"
				b.samples = append(b.samples, outcomeSample{at: now, failed: true})
				if m.Attempts >= m.MaxAttempts {
					b.deadLetter(m, model.DeadLetterMaxAttempts, now, fx)
					continue
				}
				m.state = statePending
				m.ScheduledAt = now
				b.inFlight--
			}
			continue
		}
		if m.expired(now) {
			b.expiredCount++
			b.deadLetter(m, model.DeadLetterExpired, now, fx)
		}
	}
	b.evaluate(now, fx)
}

func (b *queueBoundary) metrics(now time.Time) QueueBoundaryMetrics {
	rate, n := b.failureRate(now)
	tenants := make([]string, 0, len(b.quarantined))
	for t := range b.quarantined {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	var avg time.Duration
	if b.processingCount > 0 {
		avg = b.processingTotal / time.Duration(b.processingCount)
	}
	return QueueBoundaryMetrics{
		Queue:              b.cfg.Name,
		Status:             b.status,
		Pending:            len(b.messages) - b.inFlight,
		InFlight:           b.inFlight,
		MaxSize:            b.cfg.MaxSize,
		Enqueued:           b.enqueued,
		Dequeued:           b.dequeued,
		Acknowledged:       b.acked,
		Rejected:           b.rejected,
		Retried:            b.retried,
		DeadLettered:       b.deadLettered,
		Expired:            b.expiredCount,
		AdmissionRejected:  b.admissionRejected,
		FailureRate:        rate,
		WindowSamples:      n,
		AvgProcessingTime:  avg,
		QuarantinedTenants: tenants,
		LastStatusChange:   b.lastStatusChange,
	}
}
