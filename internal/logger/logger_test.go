package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/leafwatch/leafwatch/internal/logger"
)

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		level    logger.LogLevel
		logFunc  func(l logger.Logger)
		expected bool
	}{
		{"debug at info is dropped", logger.LogLevelInfo, func(l logger.Logger) { l.Debug("msg") }, false},
		{"info at info is kept", logger.LogLevelInfo, func(l logger.Logger) { l.Info("msg") }, true},
		{"warn at error is dropped", logger.LogLevelError, func(l logger.Logger) { l.Warn("msg") }, false},
		{"trace at trace is kept", logger.LogLevelTrace, func(l logger.Logger) { l.Trace("msg") }, true},
		{"explicit warn at info", logger.LogLevelInfo, func(l logger.Logger) { l.Log(logger.LogLevelWarn, "msg") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.logFunc(logger.NewSlogLogger(&buf, tt.level, time.UTC))
			assert.Equal(t, tt.expected, strings.Contains(buf.String(), "msg=msg"))
		})
	}
}

func TestTraceLevelLabel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger.NewSlogLogger(&buf, logger.LogLevelTrace, time.UTC).Trace("deep")
	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logger.NewSlogLogger(&buf, logger.LogLevelDebug, time.UTC)
	log := base.Module("prediction").Module("gate").With(logger.String("request_id", "r-1"))

	log.Info("scored",
		logger.Float64("confidence", 0.123456),
		logger.Uint64("observation_id", 7),
		logger.Error(errors.New("boom")))

	out := buf.String()
	assert.Contains(t, out, "module=prediction.gate")
	assert.Contains(t, out, "request_id=r-1")
	assert.Contains(t, out, "confidence=0.123")
	assert.Contains(t, out, "observation_id=7")
	assert.Contains(t, out, "error=boom")
}

func TestWithContextAddsTraceID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC)
	log.WithContext(logger.WithTraceID(context.Background(), "abc-123")).Info("hello")
	assert.Contains(t, buf.String(), "trace_id=abc-123")

	buf.Reset()
	log.WithContext(context.Background()).Info("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "leafwatch.log")
	central, err := logger.NewCentralLogger(&logger.LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &logger.ConsoleOutput{Enabled: false},
		FileOutput:   &logger.FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"datastore": "debug"},
	})
	require.NoError(t, err)

	central.Module("datastore").Debug("migrated", logger.Int("tables", 10))
	central.Module("api").Debug("suppressed")
	require.NoError(t, central.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "migrated", record["msg"])
	assert.Equal(t, "datastore", record["module"])
	assert.InDelta(t, 10, record["tables"], 0)
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := logger.NewCentralLogger(&logger.LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = logger.NewCentralLogger(nil)
	require.Error(t, err)
}

func TestGormAdapterTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	adapter := logger.NewGormLoggerAdapter(logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC), 10*time.Millisecond)

	adapter.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, nil)
	assert.Empty(t, buf.String(), "normal queries stay at trace")

	adapter.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 2", 0 }, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "record not found is not an error")

	adapter.Trace(context.Background(), time.Now(), func() (string, int64) { return "INSERT", 0 }, errors.New("locked"))
	assert.Contains(t, buf.String(), "query error")

	buf.Reset()
	adapter.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) { return "SELECT 3", 0 }, nil)
	assert.Contains(t, buf.String(), "slow query")
}
