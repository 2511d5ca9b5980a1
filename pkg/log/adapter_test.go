package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newBufferedAdapter 创建写入内存缓冲区的 adapter
func newBufferedAdapter() (log.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			MessageKey:     "msg",
			LevelKey:       "level",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		}),
		zapcore.AddSync(buf),
		zapcore.DebugLevel,
	)
	return NewKratosAdapter(zap.New(core)), buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestKratosAdapter_EmptyKeyvals(t *testing.T) {
	adapter, buf := newBufferedAdapter()
	assert.NoError(t, adapter.Log(log.LevelInfo))
	assert.Zero(t, buf.Len())
}

func TestKratosAdapter_MessageAndFields(t *testing.T) {
	adapter, buf := newBufferedAdapter()

	err := adapter.Log(log.LevelWarn,
		"msg", "breaker opened",
		"breaker", "payments",
		"failures", 5,
		"latency", 1500*time.Millisecond,
		"error", errors.New("boom"),
	)
	require.NoError(t, err)

	entry := decodeLine(t, buf)
	assert.Equal(t, "breaker opened", entry["msg"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "payments", entry["breaker"])
	assert.Equal(t, float64(5), entry["failures"])
	assert.Equal(t, "1.5s", entry["latency"])
	assert.Equal(t, "boom", entry["error"])
}

func TestKratosAdapter_SanitizesSecrets(t *testing.T) {
	adapter, buf := newBufferedAdapter()

	require.NoError(t, adapter.Log(log.LevelInfo, "msg", "connect", "redis_password", "supersecretvalue"))

	entry := decodeLine(t, buf)
	assert.Equal(t, "supe********alue", entry["redis_password"])
}

func TestKratosAdapter_UnpairedKeyvals(t *testing.T) {
	adapter, buf := newBufferedAdapter()

	require.NoError(t, adapter.Log(log.LevelInfo, "msg", "odd", "lonely"))

	entry := decodeLine(t, buf)
	assert.Equal(t, "KEYVALS UNPAIRED", entry["lonely"])
}
