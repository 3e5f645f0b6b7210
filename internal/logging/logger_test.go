package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestJSONLoggerWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, "json", "info")
	logger.Debug("hidden")
	logger.Info("script_started", "pid", 42)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "script_started", rec["msg"])
	assert.Equal(t, float64(42), rec["pid"])
}

func TestStderrHandlerForwardsAndRemembers(t *testing.T) {
	var buf bytes.Buffer
	h := NewStderrHandler(NewLoggerWithWriter(&buf, "text", "info"))

	var input strings.Builder
	for i := 0; i < RecentLines+5; i++ {
		fmt.Fprintf(&input, "line %d\n", i)
	}
	input.WriteString(strings.Repeat("x", MaxLineLength*2) + "\n")
	h.HandleReader(strings.NewReader(input.String()))

	recent := h.Recent()
	require.Len(t, recent, RecentLines)
	assert.Equal(t, strings.Repeat("x", MaxLineLength), recent[len(recent)-1])
	assert.Contains(t, buf.String(), "script_stderr")
	assert.Contains(t, buf.String(), "line 24")
}
