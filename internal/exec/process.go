// Package exec owns script runtime processes: spawning them with their
// three standard streams wired up, bounded writes to stdin, exit tracking
// and process-group termination.
package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/runtime"
)

const stderrDrainTimeout = 2 * time.Second

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExitedOk
	StateExitedError
	StateKilled
	// StateOrphaned marks a process left over from an earlier host run.
	StateOrphaned
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExitedOk:
		return "exited_ok"
	case StateExitedError:
		return "exited_error"
	case StateKilled:
		return "killed"
	case StateOrphaned:
		return "orphaned"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

func (s State) IsTerminal() bool {
	return s == StateExitedOk || s == StateExitedError || s == StateKilled
}

// ExitStatus is recorded exactly once per process.
type ExitStatus struct {
	State  State
	Code   int
	Signal string
	Uptime time.Duration
}

var (
	ErrProcessExited = errors.New("process exited")
	ErrWriteTimeout  = errors.New("write to script stdin timed out")
)

// SpawnError is a user-visible failure to launch a script. No process
// exists when it is returned.
type SpawnError struct {
	Script  string
	Runtime string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Runtime == "" {
		return fmt.Sprintf("spawn %s: %v", e.Script, e.Err)
	}
	return fmt.Sprintf("spawn %s with %s: %v", e.Script, e.Runtime, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

type SpawnOptions struct {
	ScriptPath string
	Args       []string
	Dir        string
	Env        []string
	Runtime    config.RuntimeConfig
	// Discovery overrides runtime.Candidates.
	Discovery    runtime.Discovery
	WriteTimeout time.Duration
	KillGrace    time.Duration
	Logger       *slog.Logger
	// OnExit runs once, after the exit status is recorded.
	OnExit func(ExitStatus)
}

// Process is one running script runtime.
type Process struct {
	PID        int
	Runtime    string
	ScriptPath string
	StartedAt  time.Time

	cmd          *exec.Cmd
	stdin        *os.File
	stdout       *os.File
	stderr       *logging.StderrHandler
	logger       *slog.Logger
	writeTimeout time.Duration
	killGrace    time.Duration

	writeMu       sync.Mutex
	state         atomic.Int32
	killRequested atomic.Bool
	done          chan struct{}
	mu            sync.RWMutex
	exit          ExitStatus
}

// Spawn resolves the runtime and starts the script in its own process
// group.
func Spawn(ctx context.Context, opts SpawnOptions) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	discover := opts.Discovery
	if discover == nil {
		discover = func() []string { return runtime.Candidates(opts.Runtime) }
	}
	name := opts.Runtime.Name
	rt, err := runtime.Resolve(name, discover())
	if err != nil {
		return nil, &SpawnError{Script: opts.ScriptPath, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Script: opts.ScriptPath, Runtime: rt, Err: err}
	}

	argv := runtime.Argv(rt, opts.Runtime, opts.ScriptPath, opts.Args)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Script: opts.ScriptPath, Runtime: rt, Err: err}
	}
	parentEnds, childEnds = append(parentEnds, stdinW), append(childEnds, stdinR)
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, &SpawnError{Script: opts.ScriptPath, Runtime: rt, Err: err}
	}
	parentEnds, childEnds = append(parentEnds, stdoutR), append(childEnds, stdoutW)
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, &SpawnError{Script: opts.ScriptPath, Runtime: rt, Err: err}
	}
	parentEnds, childEnds = append(parentEnds, stderrR), append(childEnds, stderrW)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW

	p := &Process{
		Runtime:      rt,
		ScriptPath:   opts.ScriptPath,
		cmd:          cmd,
		stdin:        stdinW,
		stdout:       stdoutR,
		logger:       logger,
		writeTimeout: opts.WriteTimeout,
		killGrace:    opts.KillGrace,
		done:         make(chan struct{}),
	}
	p.state.Store(int32(StateStarting))
	if p.killGrace <= 0 {
		p.killGrace = 3 * time.Second
	}

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, &SpawnError{Script: opts.ScriptPath, Runtime: rt, Err: err}
	}
	// The child holds its own copies now; EOF on stdout depends on it.
	closeAll(childEnds)

	p.PID = cmd.Process.Pid
	p.StartedAt = time.Now().UTC()
	p.stderr = logging.NewStderrHandler(logger.With("pid", p.PID))
	p.state.Store(int32(StateRunning))

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.stderr.HandleReader(stderrR)
	}()
	go p.wait(stderrR, stderrDone, opts.OnExit)
	return p, nil
}

func (p *Process) wait(stderr *os.File, stderrDone <-chan struct{}, onExit func(ExitStatus)) {
	waitErr := p.cmd.Wait()
	status := p.exitStatus(waitErr)
	status.Uptime = time.Since(p.StartedAt)

	// Orphaned grandchildren may keep stderr open; stop forwarding after
	// a short grace.
	select {
	case <-stderrDone:
	case <-time.After(stderrDrainTimeout):
		_ = stderr.Close()
		<-stderrDone
	}

	p.mu.Lock()
	p.exit = status
	p.mu.Unlock()
	p.state.Store(int32(status.State))
	_ = p.stdin.Close()
	close(p.done)

	if onExit != nil {
		onExit(status)
	}
}

func (p *Process) exitStatus(err error) ExitStatus {
	killed := p.killRequested.Load()
	if err == nil {
		if killed {
			return ExitStatus{State: StateKilled}
		}
		return ExitStatus{State: StateExitedOk}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{State: StateExitedError, Code: -1}
	}
	st := ExitStatus{State: StateExitedError, Code: exitErr.ExitCode()}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
		st.Code = 128 + int(ws.Signal())
	}
	if killed {
		st.State = StateKilled
	}
	return st
}

// Stdout is the script's output stream. It reaches EOF once every holder
// of the write end has exited or CloseOutput is called.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// CloseOutput unblocks a pending read on Stdout.
func (p *Process) CloseOutput() error {
	return p.stdout.Close()
}

// Write sends one newline-terminated line to the script's stdin. The write
// is bounded by the configured write timeout and by ctx's deadline.
func (p *Process) Write(ctx context.Context, line []byte) error {
	select {
	case <-p.done:
		return ErrProcessExited
	default:
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(append([]byte(nil), line...), '\n')
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	deadline := time.Time{}
	if p.writeTimeout > 0 {
		deadline = time.Now().Add(p.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = p.stdin.SetWriteDeadline(deadline)

	if _, err := p.stdin.Write(line); err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return ErrWriteTimeout
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EPIPE):
			return ErrProcessExited
		}
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Kill asks the process group to terminate and escalates to SIGKILL after
// the kill grace. Killing an exited process is a no-op.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if !p.killRequested.CompareAndSwap(false, true) {
		return nil
	}
	if err := signalGroup(p.PID, unix.SIGTERM); err != nil {
		return err
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(p.killGrace):
			p.logger.Warn("force_killing_script", "script", p.ScriptPath)
			_ = signalGroup(p.PID, unix.SIGKILL)
		}
	}()
	return nil
}

// signalGroup signals the process group led by pid, falling back to the
// process itself. A vanished process is not an error.
func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("signal %d: %w", pid, err)
}

func (p *Process) State() State {
	return State(p.state.Load())
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit returns the recorded exit status; ok is false while running.
func (p *Process) Exit() (ExitStatus, bool) {
	select {
	case <-p.done:
	default:
		return ExitStatus{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exit, true
}

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		st, _ := p.Exit()
		return st, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// RecentStderr returns the last lines the script wrote to stderr.
func (p *Process) RecentStderr() []string {
	return p.stderr.Recent()
}
