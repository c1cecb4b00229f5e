package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelCritical, ParseLevel("critical"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestLoggerCarriesComponentAndCriticalLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLogger("INFO", &buf), "bracket")

	logger.Debug("hidden")
	Critical(context.Background(), logger, "order left open", "order_id", "42")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=CRITICAL")
	assert.Contains(t, out, "component=bracket")
	assert.Contains(t, out, "order_id=42")
	assert.Contains(t, out, "time=")
}
