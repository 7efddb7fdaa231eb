package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{" error ", LevelError},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestFieldConstructors(t *testing.T) {
	assert.Equal(t, Field{Key: "k", Value: "v"}, String("k", "v"))
	assert.Equal(t, Field{Key: "n", Value: 7}, Int("n", 7))
	assert.Equal(t, Field{Key: "b", Value: true}, Bool("b", true))
	assert.Equal(t, "error", Err(assert.AnError).Key)
	assert.Equal(t, Field{Key: "x", Value: 1.5}, Any("x", 1.5))
}

func TestNopLogger(t *testing.T) {
	logger := NewNop()

	logger.Log(context.Background(), LevelError, "dropped")
	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("k", "v")))
	require.NoError(t, logger.Sync(context.Background()))
}

func TestSafeErrorNilTolerant(t *testing.T) {
	SafeError(nil, context.Background(), "msg", assert.AnError)
	SafeError(NewNop(), context.Background(), "msg", nil)
	SafeError(NewNop(), context.Background(), "msg", assert.AnError)
}
