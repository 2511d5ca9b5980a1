package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper 扩展 Kratos log.Helper，提供按领域分类的日志方法
// 每个方法自动附加 "type" 字段，供 EmojiConsoleEncoder 选择表情符号
type LogHelper struct {
	*log.Helper
}

// NewLogHelper 创建增强的日志辅助器
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func tagged(msg, logType string, kvs []interface{}) []interface{} {
	all := make([]interface{}, 0, len(kvs)+4)
	all = append(all, "msg", msg)
	all = append(all, kvs...)
	return append(all, "type", logType)
}

// Startup 记录启动日志（🚀）
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "startup", kvs)...)
}

// Scheduler 记录定时任务日志（🎯）
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "scheduler", kvs)...)
}

// Breaker 记录熔断器状态变化（🔌）
func (h *LogHelper) Breaker(name, from, to string, kvs ...interface{}) {
	msg := fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to)
	kvs = append(kvs, "breaker", name, "from", from, "to", to)
	h.Warnw(tagged(msg, "breaker", kvs)...)
}

// Queue 记录队列边界日志（📬）
func (h *LogHelper) Queue(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "queue", kvs)...)
}

// DeadLetter 记录死信日志（🪦）
func (h *LogHelper) DeadLetter(queue, messageID, reason string, kvs ...interface{}) {
	msg := fmt.Sprintf("message %s dead-lettered on %s: %s", messageID, queue, reason)
	kvs = append(kvs, "queue", queue, "message_id", messageID, "reason", reason)
	h.Warnw(tagged(msg, "dead_letter", kvs)...)
}

// Containment 记录故障隔离动作（🧯）
func (h *LogHelper) Containment(msg string, kvs ...interface{}) {
	h.Warnw(tagged(msg, "containment", kvs)...)
}

// Recovery 记录恢复日志（🩹）
func (h *LogHelper) Recovery(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "recovery", kvs)...)
}

// Validation 记录校验规则执行结果（🔍）
func (h *LogHelper) Validation(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "validation", kvs)...)
}

// Alert 记录告警（🚨）
func (h *LogHelper) Alert(msg string, kvs ...interface{}) {
	h.Errorw(tagged(msg, "alert", kvs)...)
}

// Audit 记录审计日志（📋）
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.Infow(tagged(msg, "audit", kvs)...)
}

// Request 记录 HTTP 请求日志，状态码决定表情符号
func (h *LogHelper) Request(ctx context.Context, method, path string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, path, status, durationMs)
	kvs = append(kvs,
		"request_id", GetRequestID(ctx),
		"method", method,
		"path", path,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(tagged(msg, "request", kvs)...)
}

// ContainmentWithContext adds the context correlation id to a containment line.
func (h *LogHelper) ContainmentWithContext(ctx context.Context, msg string, kvs ...interface{}) {
	if id := GetCorrelationID(ctx); id != "" {
		kvs = append(kvs, "correlation_id", id)
	}
	h.Containment(msg, kvs...)
}
