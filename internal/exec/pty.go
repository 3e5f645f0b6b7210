package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/samiralibabic/scriptd/internal/logging"
)

const (
	defaultCols = 120
	defaultRows = 32
)

// TermResult is what a finished terminal prompt resolves with.
type TermResult struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	Signal    string `json:"signal,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// TermRunner starts shell commands on a pseudo-terminal for term prompts.
type TermRunner struct {
	Shell      string
	MaxCapture int
	Logger     *slog.Logger
}

func NewTermRunner(maxCapture int, logger *slog.Logger) *TermRunner {
	if logger == nil {
		logger = logging.Discard()
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "sh"
	}
	return &TermRunner{Shell: shell, MaxCapture: maxCapture, Logger: logger}
}

// TermSession is one running terminal.
type TermSession struct {
	ID        string
	Command   string
	StartedAt time.Time

	cmd        *exec.Cmd
	file       *os.File
	onOutput   func([]byte)
	maxCapture int
	logger     *slog.Logger

	mu        sync.Mutex
	capture   bytes.Buffer
	truncated bool
	readDone  chan struct{}
	done      chan struct{}
	result    TermResult
	closeOnce sync.Once
}

// Start runs command (or an interactive login shell when empty) on a new
// pty. onOutput receives every chunk read from the terminal.
func (r *TermRunner) Start(ctx context.Context, id, command, cwd string, cols, rows uint16, onOutput func([]byte)) (*TermSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cmd *exec.Cmd
	if command == "" {
		cmd = exec.Command(r.Shell, "-l")
	} else {
		cmd = exec.Command(r.Shell, "-lc", command)
	}
	cmd.Dir = cwd
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start terminal: %w", err)
	}
	ts := &TermSession{
		ID:         id,
		Command:    command,
		StartedAt:  time.Now().UTC(),
		cmd:        cmd,
		file:       ptmx,
		onOutput:   onOutput,
		maxCapture: r.MaxCapture,
		logger:     r.Logger.With("prompt_id", id),
		readDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	go ts.readOutput()
	go ts.wait()
	return ts, nil
}

func (ts *TermSession) readOutput() {
	defer close(ts.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := ts.file.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			ts.record(chunk)
			if ts.onOutput != nil {
				ts.onOutput(chunk)
			}
		}
		if err != nil {
			// Linux reports EIO on the master once the slave side is gone.
			return
		}
	}
}

func (ts *TermSession) record(chunk []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.maxCapture <= 0 {
		ts.capture.Write(chunk)
		return
	}
	room := ts.maxCapture - ts.capture.Len()
	if room <= 0 {
		ts.truncated = true
		return
	}
	if len(chunk) > room {
		chunk = chunk[:room]
		ts.truncated = true
	}
	ts.capture.Write(chunk)
}

func (ts *TermSession) wait() {
	waitErr := ts.cmd.Wait()
	res := TermResult{}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.Signal = ws.Signal().String()
				res.ExitCode = 128 + int(ws.Signal())
			}
		} else {
			res.ExitCode = -1
		}
	}
	select {
	case <-ts.readDone:
	case <-time.After(2 * time.Second):
		ts.logger.Warn("term_output_drain_timeout")
	}
	_ = ts.file.Close()

	ts.mu.Lock()
	res.Output = ts.capture.String()
	res.Truncated = ts.truncated
	ts.result = res
	ts.mu.Unlock()
	close(ts.done)
}

// Input writes keystrokes to the terminal.
func (ts *TermSession) Input(data string) (int, error) {
	select {
	case <-ts.done:
		return 0, ErrProcessExited
	default:
	}
	return ts.file.Write([]byte(data))
}

func (ts *TermSession) Resize(cols, rows uint16) error {
	select {
	case <-ts.done:
		return ErrProcessExited
	default:
	}
	return pty.Setsize(ts.file, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close kills the terminal's process group, so pipelines and background
// jobs of the command go with it. Safe to call more than once.
func (ts *TermSession) Close() error {
	var err error
	ts.closeOnce.Do(func() {
		select {
		case <-ts.done:
			return
		default:
		}
		if ts.cmd.Process != nil {
			// The pty session leader also leads its process group.
			err = signalGroup(ts.cmd.Process.Pid, unix.SIGKILL)
		}
	})
	return err
}

func (ts *TermSession) Done() <-chan struct{} {
	return ts.done
}

// Result is valid once Done is closed.
func (ts *TermSession) Result() TermResult {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.result
}
