package biz

import (
	"context"
	"time"

	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"
)

// AuditSink receives audit entries for every state transition, containment
// action and validation action. Implementations must not block the caller.
type AuditSink interface {
	LogEvent(ctx context.Context, entry *model.AuditEntry)
}

// recordAudit fills the actor, correlation id and timestamp before handing
// the entry to the sink.
func recordAudit(ctx context.Context, sink AuditSink, entry model.AuditEntry) {
	if sink == nil {
		return
	}
	if entry.ActorID == "" {
		entry.ActorID = model.SystemActor
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = pkglog.GetCorrelationID(ctx)
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	sink.LogEvent(ctx, &entry)
}
