package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevelFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"trace", TraceLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"bogus", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := LevelFromString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	t.Run("defaults are valid", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects zero sampling tick", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Sampling.Enabled = true
		cfg.Sampling.Tick = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects empty field value", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Fields = map[string]string{"service": ""}
		assert.Error(t, cfg.Validate())
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	cfg := NewDefaultConfig()
	cfg.Sampling.Tick = 100 * time.Millisecond

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	// Should not panic with a plain context
	logger.Info(context.Background(), "hello")
	logger.Debug(context.Background(), "filtered at default level")

	assert.NotNil(t, logger.Underlying())
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(TraceLevel))
}

func TestContextFields_SessionAndRequest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithSessionID(ctx, "sess-42")
	ctx = WithRequestID(ctx, "req-7")

	fields := ContextFields(ctx)
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	assert.Contains(t, keys, "session.id")
	assert.Contains(t, keys, "request.id")
}

func TestWithSessionID_RejectsInvalid(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { WithSessionID(context.Background(), "") })
	assert.Panics(t, func() { WithSessionID(context.Background(), "has spaces") })
}

func TestFromContext_ReturnsNopWhenMissing(t *testing.T) {
	t.Parallel()

	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Nop logger should accept calls without panicking
	logger.Info(context.Background(), "ignored")
}

func TestWithLogger_RoundTrip(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(NewDefaultConfig())
	require.NoError(t, err)

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
}
