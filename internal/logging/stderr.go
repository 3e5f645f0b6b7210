package logging

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
)

const (
	// MaxLineLength caps a forwarded stderr line.
	MaxLineLength = 4096

	// RecentLines is how many stderr lines are kept for failure reports.
	RecentLines = 20
)

// StderrHandler forwards a script's stderr to the log sink line by line.
// The text is never interpreted as protocol.
type StderrHandler struct {
	logger *slog.Logger

	mu     sync.Mutex
	ring   []string
	next   int
	filled bool
}

func NewStderrHandler(logger *slog.Logger) *StderrHandler {
	return &StderrHandler{logger: logger, ring: make([]string, RecentLines)}
}

// HandleReader consumes r until EOF. Run it in its own goroutine.
func (h *StderrHandler) HandleReader(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, MaxLineLength), MaxLineLength)
	scanner.Split(scanLinesTruncating)
	for scanner.Scan() {
		h.HandleLine(scanner.Text())
	}
}

func (h *StderrHandler) HandleLine(line string) {
	if line == "" {
		return
	}
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	h.mu.Lock()
	h.ring[h.next] = line
	h.next = (h.next + 1) % len(h.ring)
	if h.next == 0 {
		h.filled = true
	}
	h.mu.Unlock()

	h.logger.Info("script_stderr", "line", line)
}

// Recent returns the buffered lines, oldest first.
func (h *StderrHandler) Recent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.filled {
		return append([]string(nil), h.ring[:h.next]...)
	}
	out := make([]string, 0, len(h.ring))
	out = append(out, h.ring[h.next:]...)
	return append(out, h.ring[:h.next]...)
}

// scanLinesTruncating behaves like bufio.ScanLines but emits an over-long
// line in MaxLineLength pieces instead of failing the scanner.
func scanLinesTruncating(data []byte, atEOF bool) (int, []byte, error) {
	advance, token, err := bufio.ScanLines(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= MaxLineLength {
		return MaxLineLength, data[:MaxLineLength], nil
	}
	return advance, token, err
}
