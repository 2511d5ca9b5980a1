package log

import (
	"os"
	"path/filepath"
	"testing"

	"Bulwark/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewZapLogger_NilConfig(t *testing.T) {
	_, err := NewZapLogger(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "log config is nil")
}

func TestNewZapLogger_InvalidLevel(t *testing.T) {
	_, err := NewZapLogger(&conf.Log{Level: "loud", Format: "json"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewZapLogger_Modes(t *testing.T) {
	tests := []struct {
		name string
		cfg  *conf.Log
	}{
		{name: "production json", cfg: &conf.Log{Level: "info", Format: "json", Env: "production"}},
		{name: "development console", cfg: &conf.Log{Level: "debug", Format: "console", Env: "development"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewZapLogger(tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)
			logger.Info("test message", zap.String("key", "value"))
		})
	}
}

func TestNewZapLogger_EnvironmentVariable(t *testing.T) {
	t.Setenv("BULWARK_ENV", "development")

	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewZapLogger_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "bulwark.log")

	logger, err := NewZapLogger(&conf.Log{Level: "info", Format: "json", OutputFile: logFile})
	require.NoError(t, err)

	logger.Info("written to file")
	_ = logger.Sync()

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "written to file")
	assert.Contains(t, string(content), `"service":"bulwark"`)
}
