package server

import (
	"context"
	"sync"

	"Bulwark/internal/biz"
	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const queueServicePrefix = "queue/"

// HealthReporter is the single consumer of the event outbox. It keeps the
// gRPC health statuses in line with breaker and queue boundary states and
// logs every event it sees. It runs as a kratos transport.Server.
type HealthReporter struct {
	health   *health.Server
	outbox   *biz.EventOutbox
	breakers *biz.BreakerRegistry
	queues   *biz.QueueBoundaryManager
	logger   *pkglog.LogHelper

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHealthReporter creates a reporter with every known breaker and queue registered.
func NewHealthReporter(outbox *biz.EventOutbox, breakers *biz.BreakerRegistry, queues *biz.QueueBoundaryManager, logger log.Logger) *HealthReporter {
	r := &HealthReporter{
		health:   health.NewServer(),
		outbox:   outbox,
		breakers: breakers,
		queues:   queues,
		logger:   pkglog.NewLogHelper(logger),
		stop:     make(chan struct{}),
	}
	r.Sync()
	return r
}

// Health returns the gRPC health implementation.
func (r *HealthReporter) Health() *health.Server {
	return r.health
}

// Sync sets every status from a fresh snapshot. Events that arrive later
// refine it.
func (r *HealthReporter) Sync() {
	r.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if r.breakers != nil {
		for name, state := range r.breakers.States() {
			r.health.SetServingStatus(name, breakerStatus(string(state)))
		}
	}
	if r.queues != nil {
		for _, m := range r.queues.AllMetrics() {
			r.health.SetServingStatus(queueServicePrefix+m.Queue, boundaryStatus(string(m.Status)))
		}
	}
}

// Observe applies one outbox event.
func (r *HealthReporter) Observe(ev model.ResilienceEvent) {
	switch ev.Kind {
	case model.EventBreakerStateChanged:
		r.health.SetServingStatus(ev.Subject, breakerStatus(ev.To))
	case model.EventQueueStatusChanged:
		r.health.SetServingStatus(queueServicePrefix+ev.Subject, boundaryStatus(ev.To))
	}
	r.logger.Debugw("msg", "resilience event",
		"event_id", ev.ID,
		"kind", string(ev.Kind),
		"subject", ev.Subject,
		"tenant_id", ev.TenantID,
		"from", ev.From,
		"to", ev.To,
		"severity", string(ev.Severity))
}

// Start consumes the outbox until ctx is done or Stop is called.
func (r *HealthReporter) Start(ctx context.Context) error {
	r.logger.Startup("health reporter started")
	if r.outbox == nil {
		select {
		case <-ctx.Done():
		case <-r.stop:
		}
		return nil
	}
	events := r.outbox.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case ev := <-events:
			r.Observe(ev)
		}
	}
}

// Stop ends consumption and marks every service NOT_SERVING.
func (r *HealthReporter) Stop(_ context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.health.Shutdown()
	})
	return nil
}

func breakerStatus(state string) healthpb.HealthCheckResponse_ServingStatus {
	if state == string(biz.BreakerOpen) {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func boundaryStatus(status string) healthpb.HealthCheckResponse_ServingStatus {
	switch biz.BoundaryStatus(status) {
	case biz.BoundaryIsolated, biz.BoundaryCircuitBroken:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
