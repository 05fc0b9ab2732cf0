package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Output: &buf})
	require.NoError(t, err)

	l.Debug("should not appear %d", 1)
	l.Info("hello %s", "world")
	l.Error("boom")

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "[INFO] hello world")
	require.Contains(t, out, "[ERROR] boom")
}

func TestLoggerFormatIncludesTimestamp(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelDebug, Output: &buf})
	require.NoError(t, err)

	l.Debug("x")
	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "["))
	require.Contains(t, line, "[DEBUG]")
}
