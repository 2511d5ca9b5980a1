package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const tombstoneCapacity = 100000

// DeadLetterSink stores messages that left active processing for good.
// Implementation is in data layer (data.DeadLetterRepo).
type DeadLetterSink interface {
	Store(ctx context.Context, record *model.DeadLetterRecord) error
	List(ctx context.Context, queue string, limit int) ([]*model.DeadLetterRecord, error)
}

// MessageHandler processes one message. Returning an error rejects it;
// errors marked with Permanent are dead-lettered without retry.
type MessageHandler func(ctx context.Context, msg *QueueMessage) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// EnqueueOption customises a single enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	id            string
	delay         time.Duration
	maxAttempts   int
	correlationID string
	metadata      map[string]string
}

// WithDelay schedules the message delay into the future.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMessageID uses a caller supplied id. Ids of removed messages are refused.
func WithMessageID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.id = id }
}

// WithMaxAttempts overrides the queue's retry budget for this message.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// WithMessageMetadata attaches free-form metadata.
func WithMessageMetadata(md map[string]string) EnqueueOption {
	return func(o *enqueueOptions) { o.metadata = md }
}

// WithMessageCorrelationID sets the correlation id instead of taking it from ctx.
func WithMessageCorrelationID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.correlationID = id }
}

// QueueBoundaryManager owns every queue boundary. Each boundary has its own
// lock; the manager lock only guards the registry maps.
type QueueBoundaryManager struct {
	limiter     *TenantRateLimiter
	deadLetters DeadLetterSink
	audit       AuditSink
	outbox      *EventOutbox
	recorder    *metrics.Recorder
	logger      *pkglog.LogHelper
	validate    *validator.Validate
	tombstones  *lru.Cache[string, struct{}]
	now         func() time.Time

	mu         sync.RWMutex
	boundaries map[string]*queueBoundary
	index      map[string]string // message id -> queue
	handlers   map[string]MessageHandler

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running *errgroup.Group
}

// NewQueueBoundaryManager creates the manager and every configured boundary.
func NewQueueBoundaryManager(c *conf.Resilience, limiter *TenantRateLimiter, deadLetters DeadLetterSink, audit AuditSink, outbox *EventOutbox, recorder *metrics.Recorder, logger log.Logger) (*QueueBoundaryManager, error) {
	tombstones, err := lru.New[string, struct{}](tombstoneCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create tombstone cache: %w", err)
	}
	if limiter == nil {
		limiter = NewTenantRateLimiter(nil, logger)
	}
	m := &QueueBoundaryManager{
		limiter:     limiter,
		deadLetters: deadLetters,
		audit:       audit,
		outbox:      outbox,
		recorder:    recorder,
		logger:      pkglog.NewLogHelper(logger),
		validate:    validator.New(),
		tombstones:  tombstones,
		now:         time.Now,
		boundaries:  make(map[string]*queueBoundary),
		index:       make(map[string]string),
		handlers:    make(map[string]MessageHandler),
	}
	if c != nil {
		for _, q := range c.Queues {
			if err := m.CreateBoundary(QueueConfigFromConf(q)); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// CreateBoundary validates cfg and registers a new boundary.
func (m *QueueBoundaryManager) CreateBoundary(cfg QueueConfig) error {
	if err := m.validate.Struct(cfg); err != nil {
		return ErrInvalidQueue.WithCause(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boundaries[cfg.Name]; ok {
		return withMeta(ErrQueueExists, "queue", cfg.Name)
	}
	m.boundaries[cfg.Name] = newQueueBoundary(cfg, m.now())
	m.recorder.QueueStatus(cfg.Name, BoundaryActive.gauge())
	m.logger.Queue("queue boundary created", "queue", cfg.Name, "max_size", cfg.MaxSize,
		"rate_limit_per_minute", cfg.RateLimitPerMinute, "max_attempts", cfg.Retry.MaxAttempts)
	return nil
}

// Queues lists boundary names in order.
func (m *QueueBoundaryManager) Queues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.boundaries))
	for n := range m.boundaries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *QueueBoundaryManager) boundary(queue string) (*queueBoundary, error) {
	m.mu.RLock()
	b, ok := m.boundaries[queue]
	m.mu.RUnlock()
	if !ok {
		return nil, withMeta(ErrQueueNotFound, "queue", queue)
	}
	return b, nil
}

func (m *QueueBoundaryManager) lookup(id string) (*queueBoundary, error) {
	m.mu.RLock()
	queue, ok := m.index[id]
	m.mu.RUnlock()
	if !ok {
		if m.tombstones.Contains(id) {
			return nil, withMeta(ErrMessageRemoved, "message_id", id)
		}
		return nil, withMeta(ErrMessageNotFound, "message_id", id)
	}
	return m.boundary(queue)
}

// Enqueue admits a message and returns its id. Rejections are returned as
// typed errors, never dropped silently.
func (m *QueueBoundaryManager) Enqueue(ctx context.Context, queue, tenantID string, payload []byte, priority Priority, opts ...EnqueueOption) (string, error) {
	b, err := m.boundary(queue)
	if err != nil {
		return "", err
	}
	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id != "" && m.tombstones.Contains(o.id) {
		return "", withMeta(ErrMessageRemoved, "message_id", o.id)
	}

	now := m.now()
	msg := &QueueMessage{
		ID:            o.id,
		Queue:         queue,
		TenantID:      tenantID,
		Priority:      priority,
		Payload:       payload,
		MaxAttempts:   b.cfg.Retry.MaxAttempts,
		CreatedAt:     now,
		ScheduledAt:   now.Add(o.delay),
		CorrelationID: o.correlationID,
		Metadata:      o.metadata,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if o.maxAttempts > 0 {
		msg.MaxAttempts = o.maxAttempts
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = pkglog.GetCorrelationID(ctx)
	}
	if b.cfg.MessageTTL > 0 {
		msg.ExpiresAt = now.Add(b.cfg.MessageTTL)
	}

	m.mu.Lock()
	if _, dup := m.index[msg.ID]; dup {
		m.mu.Unlock()
		return "", withMeta(ErrMessageExists, "message_id", msg.ID)
	}
	m.index[msg.ID] = queue
	m.mu.Unlock()

	// a slot is reserved before the limiter runs, so a tenant's budget is
	// only spent on enqueues that still fit
	b.mu.Lock()
	if err := b.admit(tenantID); err != nil {
		b.admissionRejected++
		b.mu.Unlock()
		m.unindex(msg.ID, false)
		m.rejectAdmission(ctx, queue, tenantID, err)
		return "", err
	}
	b.reserved++
	b.mu.Unlock()

	// the counter is external, so check it outside the boundary lock
	if ok, count := m.limiter.Allow(ctx, queue, tenantID, b.cfg.RateLimitPerMinute); !ok {
		err := withMeta(ErrTenantRateLimited, "queue", queue, "tenant_id", tenantID,
			"count", fmt.Sprint(count), "limit", fmt.Sprint(b.cfg.RateLimitPerMinute))
		b.mu.Lock()
		b.reserved--
		b.admissionRejected++
		b.mu.Unlock()
		m.unindex(msg.ID, false)
		m.rejectAdmission(ctx, queue, tenantID, err)
		return "", err
	}

	b.mu.Lock()
	b.reserved--
	// status or quarantine may have changed while the limiter ran
	if err := b.open(tenantID); err != nil {
		b.admissionRejected++
		b.mu.Unlock()
		m.unindex(msg.ID, false)
		m.rejectAdmission(ctx, queue, tenantID, err)
		return "", err
	}
	b.messages[msg.ID] = msg
	b.enqueued++
	pending, inflight := len(b.messages)-b.inFlight, b.inFlight
	b.mu.Unlock()

	m.recorder.QueueOperation(queue, "enqueued")
	m.recorder.QueueDepth(queue, pending, inflight)
	m.logger.Debugw("msg", "message enqueued", "type", "queue", "queue", queue,
		"tenant_id", tenantID, "message_id", msg.ID, "priority", priority)
	return msg.ID, nil
}

func (m *QueueBoundaryManager) rejectAdmission(ctx context.Context, queue, tenantID string, err error) {
	reason := errors.Reason(err)
	m.recorder.QueueOperation(queue, "admission_rejected")
	m.logger.Warnw("msg", "enqueue rejected", "type", "queue", "queue", queue,
		"tenant_id", tenantID, "reason", reason)
	recordAudit(ctx, m.audit, model.AuditEntry{
		TenantID:     tenantID,
		Action:       model.AuditQueueEnqueueRejected,
		ResourceType: "queue",
		ResourceID:   queue,
		Outcome:      model.OutcomeDenied,
		Severity:     model.SeverityLow,
		Metadata:     map[string]interface{}{"reason": reason},
	})
}

func (m *QueueBoundaryManager) unindex(id string, tombstone bool) {
	m.mu.Lock()
	delete(m.index, id)
	m.mu.Unlock()
	if tombstone {
		m.tombstones.Add(id, struct{}{})
	}
}

// Dequeue hands out the next eligible message, or nil when none is ready.
// tenantID "" selects across tenants. Selection is strict priority with a
// FIFO tie-break, so sustained high-priority load can starve lower ranks.
func (m *QueueBoundaryManager) Dequeue(ctx context.Context, queue, tenantID string) (*QueueMessage, error) {
	b, err := m.boundary(queue)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	switch b.status {
	case BoundaryIsolated:
		b.mu.Unlock()
		return nil, withMeta(ErrBoundaryIsolated, "queue", queue)
	case BoundaryCircuitBroken:
		b.mu.Unlock()
		return nil, withMeta(ErrBoundaryCircuitBroken, "queue", queue)
	}
	if b.cfg.MaxConcurrency > 0 && b.inFlight >= b.cfg.MaxConcurrency {
		b.mu.Unlock()
		return nil, nil
	}
	now := m.now()
	msg := b.selectNext(tenantID, now)
	if msg == nil {
		b.mu.Unlock()
		return nil, nil
	}
	msg.state = stateInFlight
	msg.dequeuedAt = now
	b.inFlight++
	b.dequeued++
	out := msg.snapshot()
	pending, inflight := len(b.messages)-b.inFlight, b.inFlight
	b.mu.Unlock()

	m.recorder.QueueOperation(queue, "dequeued")
	m.recorder.QueueDepth(queue, pending, inflight)
	return out, nil
}

// Acknowledge removes a processed message. Acknowledging a removed message
// returns ErrMessageRemoved.
func (m *QueueBoundaryManager) Acknowledge(ctx context.Context, id string) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}

	fx := &queueEffects{}
	b.mu.Lock()
	msg, ok := b.messages[id]
	if !ok {
		b.mu.Unlock()
		return withMeta(ErrMessageRemoved, "message_id", id)
	}
	now := m.now()
	if msg.state == stateInFlight {
		b.processingTotal += now.Sub(msg.dequeuedAt)
		b.processingCount++
	}
	b.remove(msg)
	b.acked++
	b.recordOutcome(false, now, fx)
	pending, inflight := len(b.messages)-b.inFlight, b.inFlight
	b.mu.Unlock()

	m.unindex(id, true)
	m.recorder.QueueOperation(b.cfg.Name, "acknowledged")
	m.recorder.QueueDepth(b.cfg.Name, pending, inflight)
	m.apply(ctx, b.cfg.Name, fx)
	return nil
}

// Reject records a failed attempt. With shouldRetry and budget left the
// message is rescheduled in place with exponential backoff; otherwise it is
// dead-lettered.
func (m *QueueBoundaryManager) Reject(ctx context.Context, id string, cause error, shouldRetry bool) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}

	fx := &queueEffects{}
	b.mu.Lock()
	msg, ok := b.messages[id]
	if !ok {
		b.mu.Unlock()
		return withMeta(ErrMessageRemoved, "message_id", id)
	}
	now := m.now()
	msg.Attempts++
	if cause != nil {
		msg.LastError = cause.Error()
	}
	b.rejected++

	retried := false
	switch {
	case !shouldRetry:
		b.deadLetter(msg, model.DeadLetterNotRetryable, now, fx)
	case !b.cfg.Retry.Enabled:
		b.deadLetter(msg, model.DeadLetterRetryOff, now, fx)
	case msg.Attempts >= msg.MaxAttempts:
		b.deadLetter(msg, model.DeadLetterMaxAttempts, now, fx)
	default:
		retried = true
		if msg.state == stateInFlight {
			b.inFlight--
		}
		msg.state = statePending
		msg.ScheduledAt = now.Add(b.cfg.Retry.Delay(msg.Attempts))
		b.retried++
	}
	b.recordOutcome(true, now, fx)
	pending, inflight := len(b.messages)-b.inFlight, b.inFlight
	attempts, scheduled := msg.Attempts, msg.ScheduledAt
	b.mu.Unlock()

	if retried {
		m.recorder.QueueOperation(b.cfg.Name, "retried")
		m.logger.Debugw("msg", "message scheduled for retry", "type", "queue", "queue", b.cfg.Name,
			"message_id", id, "attempts", attempts, "scheduled_at", scheduled)
	}
	m.recorder.QueueOperation(b.cfg.Name, "rejected")
	m.recorder.QueueDepth(b.cfg.Name, pending, inflight)
	m.apply(ctx, b.cfg.Name, fx)
	return nil
}

// apply publishes collected effects outside the boundary lock.
func (m *QueueBoundaryManager) apply(ctx context.Context, queue string, fx *queueEffects) {
	for _, dl := range fx.deadLetters {
		m.unindex(dl.msg.ID, true)
		rec := &model.DeadLetterRecord{
			MessageID:     dl.msg.ID,
			Queue:         queue,
			TenantID:      dl.msg.TenantID,
			Priority:      string(dl.msg.Priority),
			Attempts:      dl.msg.Attempts,
			Reason:        dl.reason,
			LastError:     dl.msg.LastError,
			CorrelationID: dl.msg.CorrelationID,
			Payload:       dl.msg.Payload,
			CreatedAt:     dl.msg.CreatedAt,
			DeadAt:        dl.at,
		}
		if m.deadLetters != nil {
			if err := m.deadLetters.Store(ctx, rec); err != nil {
				m.logger.Errorw("msg", "failed to store dead letter", "type", "dead_letter",
					"queue", queue, "message_id", rec.MessageID, "error", err)
			}
		}
		m.recorder.QueueOperation(queue, "dead_lettered")
		m.logger.DeadLetter(queue, rec.MessageID, string(rec.Reason), "tenant_id", rec.TenantID, "attempts", rec.Attempts)
		recordAudit(ctx, m.audit, model.AuditEntry{
			TenantID:      rec.TenantID,
			Action:        model.AuditQueueDeadLettered,
			ResourceType:  "queue_message",
			ResourceID:    rec.MessageID,
			Outcome:       model.OutcomeFailure,
			CorrelationID: rec.CorrelationID,
			Severity:      model.SeverityMedium,
			Metadata: map[string]interface{}{
				"queue":      queue,
				"reason":     string(rec.Reason),
				"attempts":   rec.Attempts,
				"last_error": rec.LastError,
			},
			OccurredAt: dl.at,
		})
		m.outbox.Publish(model.ResilienceEvent{
			Kind:       model.EventMessageDeadLettered,
			Subject:    queue,
			TenantID:   rec.TenantID,
			Severity:   model.SeverityMedium,
			Attributes: map[string]string{"message_id": rec.MessageID, "reason": string(rec.Reason)},
			OccurredAt: dl.at,
		})
	}

	for _, ch := range fx.changes {
		sev := model.SeverityLow
		if ch.to == BoundaryCircuitBroken || ch.to == BoundaryIsolated {
			sev = model.SeverityHigh
		}
		m.recorder.QueueStatus(queue, ch.to.gauge())
		m.logger.Warnw("msg", fmt.Sprintf("queue boundary %s: %s -> %s", queue, ch.from, ch.to),
			"type", "queue", "queue", queue, "reason", ch.reason, "failure_rate", ch.rate)
		recordAudit(ctx, m.audit, model.AuditEntry{
			Action:       model.AuditQueueStatusChanged,
			ResourceType: "queue",
			ResourceID:   queue,
			Outcome:      model.OutcomeSuccess,
			Severity:     sev,
			Metadata: map[string]interface{}{
				"from":         string(ch.from),
				"to":           string(ch.to),
				"reason":       ch.reason,
				"failure_rate": ch.rate,
			},
			OccurredAt: ch.at,
		})
		m.outbox.Publish(model.ResilienceEvent{
			Kind:       model.EventQueueStatusChanged,
			Subject:    queue,
			From:       string(ch.from),
			To:         string(ch.to),
			Severity:   sev,
			Attributes: map[string]string{"reason": ch.reason},
			OccurredAt: ch.at,
		})
	}
}

// GetBoundaryMetrics snapshots one boundary.
func (m *QueueBoundaryManager) GetBoundaryMetrics(queue string) (QueueBoundaryMetrics, error) {
	b, err := m.boundary(queue)
	if err != nil {
		return QueueBoundaryMetrics{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics(m.now()), nil
}

// AllMetrics snapshots every boundary ordered by name.
func (m *QueueBoundaryManager) AllMetrics() []QueueBoundaryMetrics {
	names := m.Queues()
	out := make([]QueueBoundaryMetrics, 0, len(names))
	for _, n := range names {
		if bm, err := m.GetBoundaryMetrics(n); err == nil {
			out = append(out, bm)
		}
	}
	return out
}

// DeadLetters lists stored dead letters for queue, newest first.
func (m *QueueBoundaryManager) DeadLetters(ctx context.Context, queue string, limit int) ([]*model.DeadLetterRecord, error) {
	if _, err := m.boundary(queue); err != nil {
		return nil, err
	}
	if m.deadLetters == nil {
		return nil, nil
	}
	return m.deadLetters.List(ctx, queue, limit)
}

// QuarantineTenant hides a tenant's messages on queue and refuses its enqueues.
// Other tenants are unaffected.
func (m *QueueBoundaryManager) QuarantineTenant(ctx context.Context, queue, tenantID, reason string) error {
	b, err := m.boundary(queue)
	if err != nil {
		return err
	}
	b.mu.Lock()
	_, already := b.quarantined[tenantID]
	b.quarantined[tenantID] = quarantineEntry{reason: reason, since: m.now()}
	b.mu.Unlock()
	if already {
		return nil
	}

	m.logger.Containment("tenant quarantined on queue", "queue", queue, "tenant_id", tenantID, "reason", reason)
	recordAudit(ctx, m.audit, model.AuditEntry{
		TenantID:     tenantID,
		Action:       model.AuditQueueTenantQuarantined,
		ResourceType: "queue",
		ResourceID:   queue,
		Outcome:      model.OutcomeSuccess,
		Severity:     model.SeverityHigh,
		Metadata:     map[string]interface{}{"reason": reason},
	})
	return nil
}

// RemoveTenantQuarantine lifts a tenant quarantine on queue.
func (m *QueueBoundaryManager) RemoveTenantQuarantine(ctx context.Context, queue, tenantID string) error {
	b, err := m.boundary(queue)
	if err != nil {
		return err
	}
	b.mu.Lock()
	_, was := b.quarantined[tenantID]
	delete(b.quarantined, tenantID)
	b.mu.Unlock()
	if !was {
		return nil
	}

	m.logger.Recovery("tenant quarantine lifted on queue", "queue", queue, "tenant_id", tenantID)
	recordAudit(ctx, m.audit, model.AuditEntry{
		TenantID:     tenantID,
		Action:       model.AuditQueueTenantReleased,
		ResourceType: "queue",
		ResourceID:   queue,
		Outcome:      model.OutcomeSuccess,
		Severity:     model.SeverityLow,
	})
	return nil
}

// IsTenantQuarantined reports whether tenantID is quarantined on queue.
func (m *QueueBoundaryManager) IsTenantQuarantined(queue, tenantID string) bool {
	b, err := m.boundary(queue)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.quarantined[tenantID]
	return ok
}

// IsolateBoundary stops all admission and delivery on queue.
func (m *QueueBoundaryManager) IsolateBoundary(ctx context.Context, queue, reason string) error {
	b, err := m.boundary(queue)
	if err != nil {
		return err
	}
	fx := &queueEffects{}
	b.mu.Lock()
	b.setStatus(BoundaryIsolated, reason, 0, m.now(), fx)
	b.mu.Unlock()
	m.apply(ctx, queue, fx)
	return nil
}

// RestoreBoundary returns queue to ACTIVE and clears its failure window.
func (m *QueueBoundaryManager) RestoreBoundary(ctx context.Context, queue string) error {
	b, err := m.boundary(queue)
	if err != nil {
		return err
	}
	fx := &queueEffects{}
	b.mu.Lock()
	b.samples = b.samples[:0]
	b.setStatus(BoundaryActive, "restored", 0, m.now(), fx)
	b.mu.Unlock()
	m.apply(ctx, queue, fx)
	return nil
}

// Maintain expires stale messages, reclaims timed-out deliveries and
// re-evaluates every boundary circuit.
func (m *QueueBoundaryManager) Maintain(ctx context.Context) {
	for _, name := range m.Queues() {
		b, err := m.boundary(name)
		if err != nil {
			continue
		}
		fx := &queueEffects{}
		b.mu.Lock()
		b.maintain(m.now(), fx)
		pending, inflight := len(b.messages)-b.inFlight, b.inFlight
		b.mu.Unlock()
		m.recorder.QueueDepth(name, pending, inflight)
		m.apply(ctx, name, fx)
	}
	m.limiter.Cleanup()
}

// RegisterHandler sets the processor for queue. Must be called before Start.
func (m *QueueBoundaryManager) RegisterHandler(queue string, h MessageHandler) error {
	if _, err := m.boundary(queue); err != nil {
		return err
	}
	m.mu.Lock()
	m.handlers[queue] = h
	m.mu.Unlock()
	return nil
}

// Start runs one processor loop per queue with a registered handler.
func (m *QueueBoundaryManager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	m.mu.RLock()
	for queue, h := range m.handlers {
		queue, h := queue, h
		interval := m.boundaries[queue].cfg.PollInterval
		g.Go(func() error {
			m.process(gctx, queue, h, interval)
			return nil
		})
	}
	n := len(m.handlers)
	m.mu.RUnlock()

	m.cancel = cancel
	m.running = g
	if n > 0 {
		m.logger.Startup("queue processors started", "queues", n)
	}
	return nil
}

// Stop cancels the processor loops and waits for in-flight handlers.
func (m *QueueBoundaryManager) Stop(_ context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running == nil {
		return nil
	}
	m.cancel()
	err := m.running.Wait()
	m.running = nil
	return err
}

func (m *QueueBoundaryManager) process(ctx context.Context, queue string, h MessageHandler, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			msg, err := m.Dequeue(ctx, queue, "")
			if err != nil || msg == nil {
				break
			}
			wg.Add(1)
			go func(msg *QueueMessage) {
				defer wg.Done()
				m.handle(ctx, h, msg)
			}(msg)
		}
	}
}

func (m *QueueBoundaryManager) handle(ctx context.Context, h MessageHandler, msg *QueueMessage) {
	hctx := ctx
	if msg.CorrelationID != "" {
		hctx = pkglog.WithCorrelationID(ctx, msg.CorrelationID)
	}
	_, err := safeCall(hctx, func(ctx context.Context) (interface{}, error) {
		return nil, h(ctx, msg)
	})
	// detach from the loop context so shutdown still settles the message
	settle := context.WithoutCancel(hctx)
	if err == nil {
		if ackErr := m.Acknowledge(settle, msg.ID); ackErr != nil {
			m.logger.Warnw("msg", "acknowledge failed", "type", "queue", "message_id", msg.ID, "error", ackErr)
		}
		return
	}
	var perm *permanentError
	retry := !errors.As(err, &perm)
	if rejErr := m.Reject(settle, msg.ID, err, retry); rejErr != nil {
		m.logger.Warnw("msg", "reject failed", "type", "queue", "message_id", msg.ID, "error", rejErr)
	}
}
