package biz

import (
	"sync/atomic"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
	"Bulwark/pkg/metrics"

	"github.com/google/uuid"
)

const defaultOutboxSize = 1024

// EventOutbox carries state changes to downstream consumers.
// Publish never blocks; when the buffer is full the event is dropped and counted.
type EventOutbox struct {
	ch       chan model.ResilienceEvent
	dropped  atomic.Uint64
	recorder *metrics.Recorder
	now      func() time.Time
}

// NewEventOutbox creates an outbox with the configured buffer size.
func NewEventOutbox(c *conf.Resilience, recorder *metrics.Recorder) *EventOutbox {
	size := defaultOutboxSize
	if c != nil && c.OutboxSize > 0 {
		size = c.OutboxSize
	}
	return &EventOutbox{
		ch:       make(chan model.ResilienceEvent, size),
		recorder: recorder,
		now:      time.Now,
	}
}

// Publish enqueues ev, filling in its id and timestamp. Safe on a nil outbox.
func (o *EventOutbox) Publish(ev model.ResilienceEvent) {
	if o == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = o.now()
	}

	select {
	case o.ch <- ev:
	default:
		o.dropped.Add(1)
		o.recorder.OutboxDropped()
	}
}

// Events exposes the channel for a single long-running consumer.
func (o *EventOutbox) Events() <-chan model.ResilienceEvent {
	return o.ch
}

// Drain returns up to max buffered events without waiting. max <= 0 drains everything buffered.
func (o *EventOutbox) Drain(max int) []model.ResilienceEvent {
	var out []model.ResilienceEvent
	for max <= 0 || len(out) < max {
		select {
		case ev := <-o.ch:
			out = append(out, ev)
		default:
			return out
		}
	}
	return out
}

// Dropped returns how many events were discarded.
func (o *EventOutbox) Dropped() uint64 {
	return o.dropped.Load()
}
