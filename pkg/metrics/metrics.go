// Package metrics exposes the control plane's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bulwark"

// Recorder owns a private registry so tests can build as many as they like.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	breakerState       *prometheus.GaugeVec
	breakerCalls       *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	queueMessages      *prometheus.CounterVec
	queueStatus        *prometheus.GaugeVec
	failureEvents      *prometheus.CounterVec
	tenantStatus       *prometheus.GaugeVec
	validationResults  *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	outboxDropped      prometheus.Counter
}

// NewRecorder creates and registers every collector.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"service"}),
		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Calls through a circuit breaker by outcome.",
		}, []string{"service", "outcome"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"service", "to"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "messages",
			Help:      "Messages held by a queue boundary by state.",
		}, []string{"queue", "state"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue boundary message operations by outcome.",
		}, []string{"queue", "outcome"}),
		queueStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "status",
			Help:      "Queue boundary status (0=active, 1=degraded, 2=circuit_broken, 3=isolated).",
		}, []string{"queue"}),
		failureEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failure",
			Name:      "events_total",
			Help:      "Reported failures by domain, severity and containment strategy.",
		}, []string{"domain", "severity", "strategy"}),
		tenantStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tenant",
			Name:      "isolation",
			Help:      "Tenants per isolation status.",
		}, []string{"status"}),
		validationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "results_total",
			Help:      "Validation rule results by status.",
		}, []string{"rule", "status"}),
		validationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "duration_seconds",
			Help:      "Validation rule execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"rule"}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dropped_total",
			Help:      "Events dropped because the outbox was full.",
		}),
	}

	r.registry.MustRegister(
		r.breakerState,
		r.breakerCalls,
		r.breakerTransitions,
		r.queueDepth,
		r.queueMessages,
		r.queueStatus,
		r.failureEvents,
		r.tenantStatus,
		r.validationResults,
		r.validationDuration,
		r.outboxDropped,
		prometheus.NewGoCollector(),
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// BreakerState sets the numeric state gauge for a breaker.
func (r *Recorder) BreakerState(service string, state float64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(service).Set(state)
}

// BreakerCall counts one call outcome (success, failure, rejected, fallback).
func (r *Recorder) BreakerCall(service, outcome string) {
	if r == nil {
		return
	}
	r.breakerCalls.WithLabelValues(service, outcome).Inc()
}

// BreakerTransition counts a transition into state to.
func (r *Recorder) BreakerTransition(service, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(service, to).Inc()
}

// ForgetBreaker drops the series of a garbage collected breaker.
func (r *Recorder) ForgetBreaker(service string) {
	if r == nil {
		return
	}
	r.breakerState.DeleteLabelValues(service)
}

// QueueDepth sets pending and in-flight gauges for a queue.
func (r *Recorder) QueueDepth(queue string, pending, inflight int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(queue, "pending").Set(float64(pending))
	r.queueDepth.WithLabelValues(queue, "inflight").Set(float64(inflight))
}

// QueueOperation counts a queue operation outcome.
func (r *Recorder) QueueOperation(queue, outcome string) {
	if r == nil {
		return
	}
	r.queueMessages.WithLabelValues(queue, outcome).Inc()
}

// QueueStatus sets the numeric status gauge for a queue.
func (r *Recorder) QueueStatus(queue string, status float64) {
	if r == nil {
		return
	}
	r.queueStatus.WithLabelValues(queue).Set(status)
}

// FailureEvent counts one reported failure.
func (r *Recorder) FailureEvent(domain, severity, strategy string) {
	if r == nil {
		return
	}
	r.failureEvents.WithLabelValues(domain, severity, strategy).Inc()
}

// TenantStatus sets the number of tenants in an isolation status.
func (r *Recorder) TenantStatus(status string, count int) {
	if r == nil {
		return
	}
	r.tenantStatus.WithLabelValues(status).Set(float64(count))
}

// ValidationResult records one rule execution.
func (r *Recorder) ValidationResult(rule, status string, took time.Duration) {
	if r == nil {
		return
	}
	r.validationResults.WithLabelValues(rule, status).Inc()
	r.validationDuration.WithLabelValues(rule).Observe(took.Seconds())
}

// OutboxDropped counts a dropped outbox event.
func (r *Recorder) OutboxDropped() {
	if r == nil {
		return
	}
	r.outboxDropped.Inc()
}
