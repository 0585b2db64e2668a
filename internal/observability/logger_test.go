// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/snare/internal/config"
)

// bufferSyncer adapts a bytes.Buffer to zapcore.WriteSyncer.
type bufferSyncer struct{ bytes.Buffer }

func (b *bufferSyncer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bufferSyncer

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, &buf)
		GetLogger().Info("This is a test message.")

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, colorMap["green"])
		assert.Contains(t, output, colorReset)
		assert.Contains(t, output, "TestService.")
	})

	t.Run("should initialize JSON logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bufferSyncer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONService"}, &buf)
		GetLogger().Info("json message")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "INFO", entry["level"])
		assert.Equal(t, "json message", entry["msg"])
		assert.Equal(t, "JSONService", entry["logger"])
	})

	t.Run("should respect log level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf bufferSyncer

		Initialize(config.LoggerConfig{Level: "warn", Format: "json"}, &buf)
		GetLogger().Info("hidden")
		GetLogger().Warn("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		var buf bufferSyncer
		logger := New(config.LoggerConfig{Level: "loud", Format: "json"}, &buf)
		logger.Debug("debug line")
		logger.Info("info line")

		assert.NotContains(t, buf.String(), "debug line")
		assert.Contains(t, buf.String(), "info line")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var first, second bufferSyncer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"}, &first)
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "second"}, &second)
		GetLogger().Info("once")

		assert.Contains(t, first.String(), "once")
		assert.Empty(t, second.String())
	})

	t.Run("should tee to a rotated file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "snare.log")
		var buf bufferSyncer
		logger := New(config.LoggerConfig{Level: "info", Format: "console", LogFile: logFile, MaxSize: 1}, &buf)
		logger.Info("to file")
		require.NoError(t, logger.Sync())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(data), `"msg":"to file"`))
	})
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Equal(t, "fallback", logger.Name())
}

func TestColorizedLevelEncoder_NoColor(t *testing.T) {
	enc := newColorizedLevelEncoder(config.ColorConfig{})
	arr := &stringArray{}
	enc(zapcore.ErrorLevel, arr)
	assert.Equal(t, []string{"ERROR"}, arr.values)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****", Mask("abcd"))
	assert.Equal(t, "****", Mask(""))
	assert.Equal(t, "hu***r2", Mask("hunter2"))
	assert.Equal(t, "x.***om", Mask("x.probe@example.com"))
	assert.Equal(t, "Re***ée", Mask("Renée"))
	assert.Equal(t, "****", Mask("ñoño"))
	assert.True(t, utf8.ValidString(Mask("日本語のテキスト")))
}

// stringArray captures what a level encoder appends.
type stringArray struct {
	zapcore.PrimitiveArrayEncoder
	values []string
}

func (s *stringArray) AppendString(v string) { s.values = append(s.values, v) }
