package logger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogger() {
	global = nil
	once = sync.Once{}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"json info", "info", "json", zapcore.InfoLevel, false},
		{"console debug", "debug", "console", zapcore.DebugLevel, false},
		{"json warn", "warn", "json", zapcore.WarnLevel, false},
		{"invalid level", "loud", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, GetLevel())
		})
	}
}

func TestSetLevel(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("info", "json"))

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, GetLevel())
	assert.Equal(t, zapcore.DebugLevel, Level().Level())

	require.Error(t, SetLevel("bogus"))
	assert.Equal(t, zapcore.DebugLevel, GetLevel())
}

func TestL_NopBeforeInit(t *testing.T) {
	resetLogger()

	assert.NotPanics(t, func() {
		L().Info("dropped")
		Named("dispatcher").Warn("dropped")
	})
	assert.NoError(t, Sync())
}

func TestHelpers(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("debug", "json"))

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	assert.NotNil(t, With())
	assert.NotNil(t, Named("hub"))
	_ = Sync()
}

func TestFromContext(t *testing.T) {
	resetLogger()
	core, logs := observer.New(zapcore.InfoLevel)
	global = zap.New(core)

	assert.NotNil(t, FromContext(context.Background()))

	ctx := WithContext(context.Background(), zap.String("request_id", "req-1"))
	ctx = WithContext(ctx, zap.String("user_id", "u-1"))
	FromContext(ctx).Info("scoped")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "u-1", fields["user_id"])
}
