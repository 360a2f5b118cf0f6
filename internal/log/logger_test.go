package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", zapcore.AddSync(&buf))

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	l.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "also shown")
}

func TestQuietDiscardsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New("quiet", zapcore.AddSync(&buf))

	l.Error("nothing")
	assert.Empty(t, buf.String())
}

func TestDefaultLoggerIsUsable(t *testing.T) {
	assert.NotPanics(t, func() { Log.Info("before init") })
}
