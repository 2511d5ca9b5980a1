package data

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"Bulwark/internal/conf"
	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAuditLogger_WithoutDatabase(t *testing.T) {
	al, cleanup, err := NewAuditLogger(&conf.Resilience{AuditBufferSize: 2}, &Data{}, log.DefaultLogger)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		al.LogEvent(context.Background(), &model.AuditEntry{
			Action:     model.AuditTenantIsolationChanged,
			TenantID:   "tenant-a",
			ResourceID: "tenant-a",
			Outcome:    model.OutcomeSuccess,
		})
	}
	al.LogEvent(context.Background(), nil)

	// nothing is buffered without a database
	assert.Equal(t, int64(0), al.Dropped())
	assert.Equal(t, 2, cap(al.logChan))

	cleanup()
	// idempotent
	al.Close()
}

func TestAuditLogger_LogEventAfterClose(t *testing.T) {
	// no writer goroutine: rows stay in the buffer and gorm is never called
	al := &AuditLogger{
		db:      &gorm.DB{},
		logChan: make(chan *AuditLog, 4),
		logger:  log.NewHelper(log.DefaultLogger),
		tagged:  pkglog.NewLogHelper(log.DefaultLogger),
		done:    make(chan struct{}),
	}
	close(al.done)

	entry := &model.AuditEntry{Action: model.AuditFailureContained, ResourceID: "TENANT"}
	al.LogEvent(context.Background(), entry)
	assert.Len(t, al.logChan, 1)

	al.Close()
	assert.NotPanics(t, func() {
		al.LogEvent(context.Background(), entry)
		al.LogEvent(context.Background(), entry)
	})
	assert.Equal(t, int64(2), al.Dropped())
	al.Close()
}

func TestToAuditLog(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	row, err := toAuditLog(&model.AuditEntry{
		TenantID:      "tenant-a",
		ActorID:       model.SystemActor,
		Action:        model.AuditFailureContained,
		ResourceType:  "failure_domain",
		ResourceID:    "TENANT",
		Outcome:       model.OutcomeSuccess,
		CorrelationID: "corr-1",
		Severity:      model.SeverityHigh,
		Metadata:      map[string]interface{}{"strategy": "ISOLATE"},
		OccurredAt:    at,
	})
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", row.TenantID)
	assert.Equal(t, model.AuditFailureContained, row.Action)
	assert.Equal(t, "HIGH", row.Severity)
	assert.Equal(t, at, row.OccurredAt)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(row.Metadata), &meta))
	assert.Equal(t, "ISOLATE", meta["strategy"])

	empty, err := toAuditLog(&model.AuditEntry{Action: model.AuditTenantRecovered})
	require.NoError(t, err)
	assert.Equal(t, "{}", empty.Metadata)
	assert.False(t, empty.OccurredAt.IsZero())

	_, err = toAuditLog(&model.AuditEntry{Metadata: map[string]interface{}{"bad": make(chan int)}})
	assert.Error(t, err)
}

func TestAuditLog_TableName(t *testing.T) {
	assert.Equal(t, "resilience_audit_logs", AuditLog{}.TableName())
}
