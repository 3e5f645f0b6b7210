// Package audit appends one JSON line per control call.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Transport string `json:"transport,omitempty"`
	Method    string `json:"method"`
	RunID     string `json:"run_id,omitempty"`
	Script    string `json:"script,omitempty"`
	Params    any    `json:"params,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     any    `json:"error,omitempty"`
}

type Logger struct {
	enabled bool
	path    string
	mu      sync.Mutex
}

func New(enabled bool, path string) *Logger {
	return &Logger{enabled: enabled, path: path}
}

func (l *Logger) Enabled() bool {
	return l != nil && l.enabled && l.path != ""
}

func (l *Logger) Write(entry Entry) {
	if !l.Enabled() {
		return
	}
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(raw)
}
