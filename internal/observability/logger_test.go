package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slbailey/Retrovue-sub002/internal/config"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, `"key":"value"`)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &parsed))
	assert.NotEmpty(t, parsed["time"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("test message", slog.String("key", "value"))

	output := buf.String()
	assert.Contains(t, output, "test message")
	assert.Contains(t, output, "key=value")
}

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug logs at debug level", "debug", slog.LevelDebug, true},
		{"info does not log debug", "info", slog.LevelDebug, false},
		{"info logs at info level", "info", slog.LevelInfo, true},
		{"warning alias", "warning", slog.LevelInfo, false},
		{"warn logs at warn level", "warn", slog.LevelWarn, true},
		{"error does not log warn", "error", slog.LevelWarn, false},
		{"unknown level falls back to info", "loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.configLevel, Format: "json"}, &buf)
			logger.Log(context.Background(), tt.logLevel, "test")

			if tt.shouldLog {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestNewLogger_RedactsTaggedFields(t *testing.T) {
	type remoteAsset struct {
		URL   string
		Token string `masq:"secret"`
	}

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("asset", slog.Any("asset", remoteAsset{URL: "http://example/a.mp4", Token: "hunter2"}))

	assert.Contains(t, buf.String(), "http://example/a.mp4")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	t.Run("component and channel", func(t *testing.T) {
		buf.Reset()
		WithChannel(WithComponent(base, "relay"), "demo").Info("x")
		assert.Contains(t, buf.String(), `"component":"relay"`)
		assert.Contains(t, buf.String(), `"channel_id":"demo"`)
	})

	t.Run("nil error leaves logger untouched", func(t *testing.T) {
		assert.Same(t, base, WithError(base, nil))
	})

	t.Run("error attribute", func(t *testing.T) {
		buf.Reset()
		WithError(base, errors.New("boom")).Info("x")
		assert.Contains(t, buf.String(), `"error":"boom"`)
	})

	t.Run("app attribute", func(t *testing.T) {
		buf.Reset()
		WithApp(base, "retrovue").Info("x")
		assert.Contains(t, buf.String(), `"app":"retrovue"`)
	})
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RequestIDFromContext(ctx))
	assert.Equal(t, slog.Default(), LoggerFromContext(ctx))

	ctx = ContextWithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = ContextWithLogger(ctx, logger)
	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestTimedOperationWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	var err error
	done := TimedOperationWithError(context.Background(), logger, "preload", &err)
	err = errors.New("failed")
	done()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "operation failed")
	assert.Contains(t, lines[1], `"operation":"preload"`)
}
