package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memoryDeadLetters struct {
	mu      sync.Mutex
	records []*model.DeadLetterRecord
}

func (d *memoryDeadLetters) Store(_ context.Context, r *model.DeadLetterRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, r)
	return nil
}

func (d *memoryDeadLetters) List(_ context.Context, queue string, limit int) ([]*model.DeadLetterRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.DeadLetterRecord
	for i := len(d.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if d.records[i].Queue == queue {
			out = append(out, d.records[i])
		}
	}
	return out, nil
}

func (d *memoryDeadLetters) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

type queueFixture struct {
	m      *QueueBoundaryManager
	clock  *fakeClock
	sink   *recordingSink
	dls    *memoryDeadLetters
	outbox *EventOutbox
}

func newQueueFixture(t *testing.T, cfgs ...QueueConfig) *queueFixture {
	t.Helper()
	f := &queueFixture{
		clock:  newFakeClock(),
		sink:   &recordingSink{},
		dls:    &memoryDeadLetters{},
		outbox: newTestOutbox(64),
	}
	limiter := NewTenantRateLimiter(nil, testLogger)
	limiter.now = f.clock.Now
	m, err := NewQueueBoundaryManager(nil, limiter, f.dls, f.sink, f.outbox, nil, testLogger)
	require.NoError(t, err)
	m.now = f.clock.Now
	for _, c := range cfgs {
		require.NoError(t, m.CreateBoundary(c))
	}
	f.m = m
	return f
}

func TestQueue_DequeueByPriorityThenFIFO(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()

	highID, err := f.m.Enqueue(ctx, "jobs", "t1", []byte("h"), PriorityHigh)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	critID, err := f.m.Enqueue(ctx, "jobs", "t1", []byte("c"), PriorityCritical)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	normal1, err := f.m.Enqueue(ctx, "jobs", "t1", []byte("n1"), PriorityNormal)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	normal2, err := f.m.Enqueue(ctx, "jobs", "t1", []byte("n2"), PriorityNormal)
	require.NoError(t, err)

	var order []string
	for i := 0; i < 4; i++ {
		msg, err := f.m.Dequeue(ctx, "jobs", "")
		require.NoError(t, err)
		require.NotNil(t, msg)
		order = append(order, msg.ID)
	}
	assert.Equal(t, []string{critID, highID, normal1, normal2}, order)

	msg, err := f.m.Dequeue(ctx, "jobs", "")
	assert.NoError(t, err)
	assert.Nil(t, msg)
}

func TestQueue_MaxSizeRejects(t *testing.T) {
	cfg := DefaultQueueConfig("jobs")
	cfg.MaxSize = 2
	f := newQueueFixture(t, cfg)
	ctx := context.Background()

	_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrQueueFull))
	assert.True(t, IsRejectedByPolicy(err))

	// in-flight messages still occupy capacity
	_, err = f.m.Dequeue(ctx, "jobs", "")
	require.NoError(t, err)
	_, err = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrQueueFull))

	bm, err := f.m.GetBoundaryMetrics("jobs")
	require.NoError(t, err)
	assert.LessOrEqual(t, bm.Pending+bm.InFlight, 2)
	assert.Equal(t, uint64(2), bm.AdmissionRejected)
	assert.Len(t, f.sink.actions(model.AuditQueueEnqueueRejected), 2)
}

func TestQueue_RetryBackoffAndDeadLetter(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()
	cause := errors.New("handler failed")

	id, err := f.m.Enqueue(ctx, "jobs", "t1", []byte("p"), PriorityNormal)
	require.NoError(t, err)

	msg, err := f.m.Dequeue(ctx, "jobs", "")
	require.NoError(t, err)
	require.NoError(t, f.m.Reject(ctx, id, cause, true))

	// first retry waits InitialDelay
	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	assert.Nil(t, msg)
	f.clock.Advance(999 * time.Millisecond)
	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	assert.Nil(t, msg)
	f.clock.Advance(time.Millisecond)
	msg, err = f.m.Dequeue(ctx, "jobs", "")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID, "retried in place")
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "handler failed", msg.LastError)

	// second retry waits InitialDelay * multiplier
	require.NoError(t, f.m.Reject(ctx, id, cause, true))
	f.clock.Advance(time.Second)
	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	assert.Nil(t, msg)
	f.clock.Advance(time.Second)
	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	require.NotNil(t, msg)
	assert.Equal(t, 2, msg.Attempts)

	// third rejection reaches MaxAttempts
	require.NoError(t, f.m.Reject(ctx, id, cause, true))
	f.clock.Advance(time.Hour)
	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	assert.Nil(t, msg)

	assert.True(t, kerrors.Is(f.m.Acknowledge(ctx, id), ErrMessageRemoved))
	assert.True(t, kerrors.Is(f.m.Reject(ctx, id, cause, true), ErrMessageRemoved))
	_, err = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal, WithMessageID(id))
	assert.True(t, kerrors.Is(err, ErrMessageRemoved), "removed ids are never reused")

	require.Equal(t, 1, f.dls.count())
	rec := f.dls.records[0]
	assert.Equal(t, model.DeadLetterMaxAttempts, rec.Reason)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, []byte("p"), rec.Payload)
	assert.Len(t, f.sink.actions(model.AuditQueueDeadLettered), 1)

	bm, _ := f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, uint64(1), bm.DeadLettered)
	assert.Equal(t, uint64(2), bm.Retried)
	assert.Zero(t, bm.Pending+bm.InFlight)
}

func TestQueue_DeadLetterReasons(t *testing.T) {
	noRetry := DefaultQueueConfig("noretry")
	noRetry.Retry.Enabled = false
	f := newQueueFixture(t, DefaultQueueConfig("jobs"), noRetry)
	ctx := context.Background()

	a, _ := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	require.NoError(t, f.m.Reject(ctx, a, errors.New("bad payload"), false))

	b, _ := f.m.Enqueue(ctx, "noretry", "t1", nil, PriorityNormal)
	require.NoError(t, f.m.Reject(ctx, b, errors.New("x"), true))

	require.Equal(t, 2, f.dls.count())
	assert.Equal(t, model.DeadLetterNotRetryable, f.dls.records[0].Reason)
	assert.Equal(t, model.DeadLetterRetryOff, f.dls.records[1].Reason)

	list, err := f.m.DeadLetters(ctx, "noretry", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0].MessageID)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(500))
	assert.Equal(t, time.Second, p.Delay(0))
}

func TestQueue_TenantQuarantine(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()

	t1, _ := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityCritical)
	t2, _ := f.m.Enqueue(ctx, "jobs", "t2", nil, PriorityHigh)

	require.NoError(t, f.m.QuarantineTenant(ctx, "jobs", "t1", "abuse"))
	assert.True(t, f.m.IsTenantQuarantined("jobs", "t1"))

	_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrTenantQuarantined))
	_, err = f.m.Enqueue(ctx, "jobs", "t2", nil, PriorityNormal)
	assert.NoError(t, err, "other tenants are unaffected")

	msg, err := f.m.Dequeue(ctx, "jobs", "")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, t2, msg.ID, "quarantined tenant's messages are invisible")

	require.NoError(t, f.m.RemoveTenantQuarantine(ctx, "jobs", "t1"))
	msg, _ = f.m.Dequeue(ctx, "jobs", "t1")
	require.NotNil(t, msg)
	assert.Equal(t, t1, msg.ID)

	assert.Len(t, f.sink.actions(model.AuditQueueTenantQuarantined), 1)
	assert.Len(t, f.sink.actions(model.AuditQueueTenantReleased), 1)
}

func TestQueue_TenantFilter(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()

	_, _ = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityCritical)
	t2, _ := f.m.Enqueue(ctx, "jobs", "t2", nil, PriorityBackground)

	msg, err := f.m.Dequeue(ctx, "jobs", "t2")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, t2, msg.ID)
}

func TestQueue_IsolateAndRestore(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()

	id, _ := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	require.NoError(t, f.m.IsolateBoundary(ctx, "jobs", "operator"))

	_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrBoundaryIsolated))
	_, err = f.m.Dequeue(ctx, "jobs", "")
	assert.True(t, kerrors.Is(err, ErrBoundaryIsolated))

	f.m.Maintain(ctx)
	bm, _ := f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, BoundaryIsolated, bm.Status, "isolation is only lifted explicitly")

	require.NoError(t, f.m.RestoreBoundary(ctx, "jobs"))
	msg, err := f.m.Dequeue(ctx, "jobs", "")
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)

	events := f.outbox.Drain(0)
	require.Len(t, events, 2)
	assert.Equal(t, "ISOLATED", events[0].To)
	assert.Equal(t, "ACTIVE", events[1].To)
}

func TestQueue_SelfProtectingCircuit(t *testing.T) {
	cfg := DefaultQueueConfig("jobs")
	cfg.MinimumSamples = 4
	cfg.OpenCooldown = 30 * time.Second
	f := newQueueFixture(t, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		msg, err := f.m.Dequeue(ctx, "jobs", "")
		require.NoError(t, err)
		require.NotNil(t, msg)
		require.NoError(t, f.m.Reject(ctx, msg.ID, errors.New("fail"), true))
	}

	bm, _ := f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, BoundaryCircuitBroken, bm.Status)
	_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrBoundaryCircuitBroken))
	_, err = f.m.Dequeue(ctx, "jobs", "")
	assert.True(t, kerrors.Is(err, ErrBoundaryCircuitBroken))

	f.clock.Advance(31 * time.Second)
	f.m.Maintain(ctx)
	bm, _ = f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, BoundaryCircuitBroken, bm.Status, "failures still inside the window")

	f.clock.Advance(5 * time.Minute)
	f.m.Maintain(ctx)
	bm, _ = f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, BoundaryDegraded, bm.Status)

	f.m.Maintain(ctx)
	bm, _ = f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, BoundaryActive, bm.Status)

	var kinds []string
	for _, ev := range f.outbox.Drain(0) {
		if ev.Kind == model.EventQueueStatusChanged {
			kinds = append(kinds, ev.To)
		}
	}
	assert.Equal(t, []string{"CIRCUIT_BROKEN", "DEGRADED", "ACTIVE"}, kinds)
}

func TestQueue_BelowMinimumSamplesDoesNotTrip(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, _ := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
		require.NoError(t, f.m.Reject(ctx, id, errors.New("fail"), false))
	}
	bm, _ := f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, BoundaryActive, bm.Status)
	assert.Equal(t, 1.0, bm.FailureRate)
	assert.Equal(t, 3, bm.WindowSamples)
}

func TestQueue_TenantRateLimit(t *testing.T) {
	cfg := DefaultQueueConfig("jobs")
	cfg.RateLimitPerMinute = 2
	f := newQueueFixture(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
		require.NoError(t, err)
	}
	_, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrTenantRateLimited))
	assert.True(t, IsRejectedByPolicy(err))

	_, err = f.m.Enqueue(ctx, "jobs", "t2", nil, PriorityNormal)
	assert.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	assert.NoError(t, err, "window resets each minute")
}

func TestQueue_FullQueueDoesNotSpendRateLimit(t *testing.T) {
	ctx := context.Background()
	repo := new(MockTenantRateLimitRepo)
	limiter := NewTenantRateLimiter(repo, testLogger)
	m, err := NewQueueBoundaryManager(nil, limiter, &memoryDeadLetters{}, nil, nil, nil, testLogger)
	require.NoError(t, err)
	cfg := DefaultQueueConfig("jobs")
	cfg.MaxSize = 1
	cfg.RateLimitPerMinute = 5
	require.NoError(t, m.CreateBoundary(cfg))

	// t2 races into the last slot while t1's limiter call is in progress
	var raceErr error
	repo.On("IncrementEnqueue", mock.Anything, "jobs", "t1").
		Return(int64(1), nil).
		Once().
		Run(func(mock.Arguments) {
			_, raceErr = m.Enqueue(ctx, "jobs", "t2", nil, PriorityNormal)
		})

	_, err = m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	require.NoError(t, err)
	assert.True(t, kerrors.Is(raceErr, ErrQueueFull))
	repo.AssertNotCalled(t, "IncrementEnqueue", mock.Anything, "jobs", "t2")
	repo.AssertExpectations(t)

	metrics, err := m.GetBoundaryMetrics("jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.Pending)
}

func TestQueue_DelayedMessage(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))
	ctx := context.Background()

	id, err := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityCritical, WithDelay(10*time.Second))
	require.NoError(t, err)

	msg, _ := f.m.Dequeue(ctx, "jobs", "")
	assert.Nil(t, msg)
	f.clock.Advance(10 * time.Second)
	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
}

func TestQueue_MaintenanceExpiryAndVisibility(t *testing.T) {
	cfg := DefaultQueueConfig("jobs")
	cfg.MessageTTL = time.Minute
	cfg.VisibilityTimeout = 30 * time.Second
	f := newQueueFixture(t, cfg)
	ctx := context.Background()

	stale, _ := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityLow)
	busy, _ := f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityCritical)

	msg, _ := f.m.Dequeue(ctx, "jobs", "")
	require.Equal(t, busy, msg.ID)

	f.clock.Advance(45 * time.Second)
	f.m.Maintain(ctx)
	bm, _ := f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, 2, bm.Pending, "timed out delivery returns to pending")
	assert.Zero(t, bm.InFlight)

	msg, _ = f.m.Dequeue(ctx, "jobs", "")
	require.Equal(t, busy, msg.ID)
	assert.Equal(t, 1, msg.Attempts)
	require.NoError(t, f.m.Acknowledge(ctx, busy))

	f.clock.Advance(time.Minute)
	f.m.Maintain(ctx)
	bm, _ = f.m.GetBoundaryMetrics("jobs")
	assert.Equal(t, uint64(1), bm.Expired)
	assert.Zero(t, bm.Pending)
	require.Equal(t, 1, f.dls.count())
	assert.Equal(t, stale, f.dls.records[0].MessageID)
	assert.Equal(t, model.DeadLetterExpired, f.dls.records[0].Reason)
}

func TestQueue_MaxConcurrency(t *testing.T) {
	cfg := DefaultQueueConfig("jobs")
	cfg.MaxConcurrency = 1
	f := newQueueFixture(t, cfg)
	ctx := context.Background()

	_, _ = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)
	_, _ = f.m.Enqueue(ctx, "jobs", "t1", nil, PriorityNormal)

	first, _ := f.m.Dequeue(ctx, "jobs", "")
	require.NotNil(t, first)
	second, _ := f.m.Dequeue(ctx, "jobs", "")
	assert.Nil(t, second)

	require.NoError(t, f.m.Acknowledge(ctx, first.ID))
	second, _ = f.m.Dequeue(ctx, "jobs", "")
	assert.NotNil(t, second)
}

func TestQueue_CreateBoundaryValidation(t *testing.T) {
	f := newQueueFixture(t, DefaultQueueConfig("jobs"))

	bad := DefaultQueueConfig("bad")
	bad.MaxSize = 0
	assert.True(t, kerrors.Is(f.m.CreateBoundary(bad), ErrInvalidQueue))

	noName := DefaultQueueConfig("")
	assert.True(t, kerrors.Is(f.m.CreateBoundary(noName), ErrInvalidQueue))

	assert.True(t, kerrors.Is(f.m.CreateBoundary(DefaultQueueConfig("jobs")), ErrQueueExists))
	assert.Equal(t, []string{"jobs"}, f.m.Queues())

	_, err := f.m.Enqueue(context.Background(), "missing", "t1", nil, PriorityNormal)
	assert.True(t, kerrors.Is(err, ErrQueueNotFound))
	assert.True(t, kerrors.Is(f.m.Acknowledge(context.Background(), "nope"), ErrMessageNotFound))
}

func TestQueue_ConfigFromConf(t *testing.T) {
	off := false
	c := &conf.Resilience{Queues: []conf.Queue{{
		Name:               "billing",
		MaxSize:            50,
		RateLimitPerMinute: 7,
		RetryEnabled:       &off,
		MaxAttempts:        5,
	}}}
	m, err := NewQueueBoundaryManager(c, nil, nil, nil, nil, nil, testLogger)
	require.NoError(t, err)

	bm, err := m.GetBoundaryMetrics("billing")
	require.NoError(t, err)
	assert.Equal(t, 50, bm.MaxSize)

	cfg := QueueConfigFromConf(c.Queues[0])
	assert.False(t, cfg.Retry.Enabled)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 7, cfg.RateLimitPerMinute)
	assert.Equal(t, 2.0, cfg.Retry.BackoffMultiplier)
}

func TestQueue_ProcessorLoop(t *testing.T) {
	cfg := DefaultQueueConfig("jobs")
	cfg.PollInterval = 5 * time.Millisecond
	dls := &memoryDeadLetters{}
	m, err := NewQueueBoundaryManager(nil, nil, dls, nil, nil, nil, testLogger)
	require.NoError(t, err)
	require.NoError(t, m.CreateBoundary(cfg))
	ctx := context.Background()

	require.NoError(t, m.RegisterHandler("jobs", func(_ context.Context, msg *QueueMessage) error {
		if string(msg.Payload) == "poison" {
			return Permanent(errors.New("cannot decode"))
		}
		return nil
	}))
	assert.True(t, kerrors.Is(m.RegisterHandler("missing", nil), ErrQueueNotFound))

	_, err = m.Enqueue(ctx, "jobs", "t1", []byte("ok"), PriorityNormal)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "jobs", "t1", []byte("poison"), PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, func() bool {
		bm, _ := m.GetBoundaryMetrics("jobs")
		return bm.Acknowledged == 1 && bm.DeadLettered == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(ctx))

	require.Equal(t, 1, dls.count())
	assert.Equal(t, model.DeadLetterNotRetryable, dls.records[0].Reason)
	assert.Equal(t, "cannot decode", dls.records[0].LastError)
}
