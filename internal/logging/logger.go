// Package logging builds the structured loggers used across scriptd.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a logger writing to stderr. Format is "json" or
// "text"; anything else falls back to json.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	return newLogger(os.Stderr, format, lvl, lvl == slog.LevelDebug)
}

// NewLoggerWithWriter is NewLogger with an explicit sink, used by tests and
// by the terminal UI, which must keep stderr clean.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return newLogger(w, format, ParseLevel(level), false)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newLogger(w io.Writer, format string, lvl slog.Level, addSource bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lvl, AddSource: addSource}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
