package data

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"Bulwark/internal/biz"
	"Bulwark/internal/conf"
	"Bulwark/internal/model"
	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

const (
	defaultAuditBuffer = 1000
	auditBatchSize     = 100
	auditFlushInterval = time.Second
)

// AuditLog is the GORM model for resilience_audit_logs table
type AuditLog struct {
	ID            int64     `gorm:"primaryKey;column:id"`
	TenantID      string    `gorm:"column:tenant_id;type:varchar(128);index"`
	ActorID       string    `gorm:"column:actor_id;type:varchar(128);not null"`
	Action        string    `gorm:"column:action;type:varchar(64);not null;index"`
	ResourceType  string    `gorm:"column:resource_type;type:varchar(64)"`
	ResourceID    string    `gorm:"column:resource_id;type:varchar(255);index"`
	Outcome       string    `gorm:"column:outcome;type:varchar(16)"`
	Severity      string    `gorm:"column:severity;type:varchar(16)"`
	CorrelationID string    `gorm:"column:correlation_id;type:varchar(64)"`
	Metadata      string    `gorm:"column:metadata;type:json"` // JSON string
	OccurredAt    time.Time `gorm:"column:occurred_at;index"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "resilience_audit_logs"
}

// AuditLogger implements biz.AuditSink. Entries are always logged and, when
// a database is configured, written in batches by a background goroutine.
type AuditLogger struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *log.Helper
	tagged  *pkglog.LogHelper

	// mu guards closed against sends racing Close.
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
	closeOnce sync.Once
	done      chan struct{}
}

var _ biz.AuditSink = (*AuditLogger)(nil)

// NewAuditLogger creates a new audit logger with async channel
func NewAuditLogger(c *conf.Resilience, d *Data, logger log.Logger) (*AuditLogger, func(), error) {
	size := defaultAuditBuffer
	if c != nil && c.AuditBufferSize > 0 {
		size = c.AuditBufferSize
	}

	db := d.GetDB()
	al := &AuditLogger{
		db:      db,
		logChan: make(chan *AuditLog, size),
		logger:  log.NewHelper(logger),
		tagged:  pkglog.NewLogHelper(logger),
		done:    make(chan struct{}),
	}

	if db != nil {
		go al.start()
	} else {
		close(al.done)
	}

	return al, al.Close, nil
}

// LogEvent implements biz.AuditSink. It never blocks the caller.
func (a *AuditLogger) LogEvent(_ context.Context, entry *model.AuditEntry) {
	if entry == nil {
		return
	}

	a.tagged.Audit(entry.Action,
		"tenant_id", entry.TenantID,
		"actor_id", entry.ActorID,
		"resource_type", entry.ResourceType,
		"resource_id", entry.ResourceID,
		"outcome", entry.Outcome,
		"severity", string(entry.Severity),
		"correlation_id", entry.CorrelationID)

	if a.db == nil {
		return
	}

	row, err := toAuditLog(entry)
	if err != nil {
		a.logger.Errorw("failed to marshal audit log metadata", "action", entry.Action, "error", err)
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		a.logger.Warnw("audit logger closed, dropping event",
			"action", entry.Action,
			"resource_id", entry.ResourceID)
		return
	}

	// non-blocking send
	select {
	case a.logChan <- row:
	default:
		a.dropped.Add(1)
		a.logger.Warnw("audit log channel full, dropping event",
			"action", entry.Action,
			"resource_id", entry.ResourceID)
	}
}

// Dropped returns how many entries were discarded because the buffer was
// full or the logger was closed.
func (a *AuditLogger) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting entries and flushes what is buffered.
func (a *AuditLogger) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		if a.db != nil {
			close(a.logChan)
		}
		a.mu.Unlock()
		<-a.done
	})
}

// start drains the channel, writing full batches immediately and partial
// batches every flush interval.
func (a *AuditLogger) start() {
	defer close(a.done)

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditLog, 0, auditBatchSize)
	for {
		select {
		case row, ok := <-a.logChan:
			if !ok {
				a.flush(batch)
				return
			}
			batch = append(batch, row)
			if len(batch) >= auditBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			a.flush(batch)
			batch = batch[:0]
		}
	}
}

func (a *AuditLogger) flush(batch []*AuditLog) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.db.WithContext(ctx).CreateInBatches(batch, auditBatchSize).Error; err != nil {
		a.logger.Errorw("failed to write audit logs",
			"count", len(batch),
			"error", err)
		return
	}
	a.logger.Debugw("audit logs written", "count", len(batch))
}

func toAuditLog(entry *model.AuditEntry) (*AuditLog, error) {
	meta := "{}"
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, err
		}
		meta = string(raw)
	}
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return &AuditLog{
		TenantID:      entry.TenantID,
		ActorID:       entry.ActorID,
		Action:        entry.Action,
		ResourceType:  entry.ResourceType,
		ResourceID:    entry.ResourceID,
		Outcome:       entry.Outcome,
		Severity:      string(entry.Severity),
		CorrelationID: entry.CorrelationID,
		Metadata:      meta,
		OccurredAt:    occurred,
	}, nil
}
