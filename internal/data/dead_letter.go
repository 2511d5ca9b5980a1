package data

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"Bulwark/internal/biz"
	"Bulwark/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// maxDeadLetters caps the records kept per queue.
const maxDeadLetters = 10000

// DeadLetterRepo implements biz.DeadLetterSink. Records are kept newest
// first in a capped redis list per queue, or in memory without redis.
type DeadLetterRepo struct {
	rdb    *redis.Client
	logger *log.Helper

	mu     sync.Mutex
	memory map[string][]*model.DeadLetterRecord
}

var _ biz.DeadLetterSink = (*DeadLetterRepo)(nil)

// NewDeadLetterRepo creates a dead-letter repository.
func NewDeadLetterRepo(d *Data, logger log.Logger) *DeadLetterRepo {
	return &DeadLetterRepo{
		rdb:    d.GetRedisClient(),
		logger: log.NewHelper(logger),
		memory: make(map[string][]*model.DeadLetterRecord),
	}
}

// Store persists a dead-letter record.
func (r *DeadLetterRepo) Store(ctx context.Context, record *model.DeadLetterRecord) error {
	if record == nil {
		return fmt.Errorf("dead letter record is nil")
	}
	if r.rdb == nil {
		r.storeMemory(record)
		return nil
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	key := getDeadLetterKey(record.Queue)
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, maxDeadLetters-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store dead letter: %w", err)
	}

	r.logger.Debugw("dead letter stored",
		"queue", record.Queue,
		"message_id", record.MessageID,
		"reason", record.Reason)
	return nil
}

// List returns up to limit records of a queue, newest first. A limit <= 0
// returns everything kept.
func (r *DeadLetterRepo) List(ctx context.Context, queue string, limit int) ([]*model.DeadLetterRecord, error) {
	if r.rdb == nil {
		return r.listMemory(queue, limit), nil
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	raws, err := r.rdb.LRange(ctx, getDeadLetterKey(queue), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	records := make([]*model.DeadLetterRecord, 0, len(raws))
	for _, raw := range raws {
		var rec model.DeadLetterRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Warnw("skipping malformed dead letter", "queue", queue, "error", err)
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (r *DeadLetterRepo) storeMemory(record *model.DeadLetterRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *record
	list := append([]*model.DeadLetterRecord{&cp}, r.memory[record.Queue]...)
	if len(list) > maxDeadLetters {
		list = list[:maxDeadLetters]
	}
	r.memory[record.Queue] = list
}

func (r *DeadLetterRepo) listMemory(queue string, limit int) []*model.DeadLetterRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.memory[queue]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*model.DeadLetterRecord, len(list))
	for i, rec := range list {
		cp := *rec
		out[i] = &cp
	}
	return out
}

// getDeadLetterKey generates a Redis key for a queue's dead letters.
// Format: bulwark:deadletter:{queue}
func getDeadLetterKey(queue string) string {
	return keyPrefix + "deadletter:" + queue
}
