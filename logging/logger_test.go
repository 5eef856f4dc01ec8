package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger = (*MeshLogger)(nil)
	_ Logger = (*SlogAdapter)(nil)
	_ Logger = NoOpLogger{}
)

func newBufferLogger(level LogLevel) (*MeshLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return NewLogger(&LoggerConfig{Level: level, Format: "json", Output: buf}), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestMeshLoggerLevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarn)
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown", "key", "value")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
	assert.Equal(t, "value", lines[0]["key"])
}

func TestMeshLoggerContextIsCopied(t *testing.T) {
	base, buf := newBufferLogger(LogLevelDebug)
	scoped := base.WithComponent("cost").WithNamespace("guardian:lyria").WithContext("run", 7)
	scoped.Info("scoped")
	base.Info("base")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "cost", lines[0]["component"])
	assert.Equal(t, "guardian:lyria", lines[0]["namespace"])
	assert.EqualValues(t, 7, lines[0]["run"])
	assert.NotContains(t, lines[1], "component")
}

func TestMeshLoggerDomainHelpers(t *testing.T) {
	l, buf := newBufferLogger(LogLevelDebug)
	l.LogUsage("lyria", "claude", 1200, 0.0036)
	l.LogRoute("shinkami", 0.1, true)
	l.LogBackendCall("remote", "store", 15*time.Millisecond, errors.New("timeout"))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "usage recorded", lines[0]["msg"])
	assert.EqualValues(t, 1200, lines[0]["tokens"])
	assert.Equal(t, true, lines[1]["fallback"])
	assert.Equal(t, "backend call failed", lines[2]["msg"])
	assert.Equal(t, "WARN", lines[2]["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel("warning"))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("verbose"))
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestSlogAdapter(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewSlogAdapter(slog.New(slog.NewTextHandler(buf, nil)))
	l.Info("hello", "agent", "ino")
	assert.Contains(t, buf.String(), "agent=ino")
}
