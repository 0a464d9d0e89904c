package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", logger.Handler())
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()

	prod := NewLogger("production")
	assert.True(t, prod.Handler().Enabled(ctx, slog.LevelInfo))
	assert.False(t, prod.Handler().Enabled(ctx, slog.LevelDebug))

	dev := NewLogger("")
	assert.True(t, dev.Handler().Enabled(ctx, slog.LevelDebug))
}

func TestComponent_AddsField(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo("production", &buf), "syncer")

	logger.Info("hello")

	assert.Contains(t, buf.String(), `"component":"syncer"`)
}

func TestComponent_NilLogger(t *testing.T) {
	logger := Component(nil, "keys")
	require.NotNil(t, logger)
	logger.Info("dropped")
}
