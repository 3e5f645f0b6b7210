// Package engine runs one script per Engine: it routes the script's
// requests to an Observer, tracks each prompt until the UI answers it, and
// writes replies back in the order they were resolved.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/exec"
	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/metrics"
	"github.com/samiralibabic/scriptd/internal/protocol"
	"github.com/samiralibabic/scriptd/internal/registry"
	"github.com/samiralibabic/scriptd/internal/runtime"
	"github.com/samiralibabic/scriptd/internal/session"
)

const outputDrainTimeout = 2 * time.Second

var (
	ErrTermNotFound = errors.New("terminal not found")
	ErrInvalidValue = errors.New("value is not valid JSON")
)

// Handle names one prompt of one running script.
type Handle struct {
	RunID    string `json:"run_id"`
	PromptID string `json:"id,omitempty"`
}

// ExitEvent describes how a script ended. StartupFailure is set when the
// script failed before it issued a single request that expects a reply.
type ExitEvent struct {
	RunID          string               `json:"run_id"`
	Script         string               `json:"script"`
	PID            int                  `json:"pid"`
	State          string               `json:"state"`
	Code           int                  `json:"code"`
	Signal         string               `json:"signal,omitempty"`
	StartupFailure bool                 `json:"startup_failure"`
	Uptime         time.Duration        `json:"uptime_ns"`
	Cancelled      []session.Resolution `json:"-"`
	Stderr         []string             `json:"stderr,omitempty"`
}

// StartupError reports a script that exited with an error before issuing
// any request, typically a syntax or import failure.
type StartupError struct {
	Script string
	Code   int
	Stderr []string
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("script %s failed to start: exit code %d", e.Script, e.Code)
	if n := len(e.Stderr); n > 0 {
		msg += ": " + e.Stderr[n-1]
	}
	return msg
}

// Err returns a *StartupError for a startup failure and nil otherwise.
func (ev ExitEvent) Err() error {
	if !ev.StartupFailure {
		return nil
	}
	return &StartupError{Script: ev.Script, Code: ev.Code, Stderr: ev.Stderr}
}

// Observer receives everything a UI needs to render a script. Calls for
// one engine are made from its own goroutines and may run concurrently
// with calls for other engines.
type Observer interface {
	Message(h Handle, msg protocol.Message)
	Resolved(h Handle, r session.Resolution)
	TermOutput(h Handle, data []byte)
	Exited(ev ExitEvent)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	OnMessage    func(Handle, protocol.Message)
	OnResolved   func(Handle, session.Resolution)
	OnTermOutput func(Handle, []byte)
	OnExit       func(ExitEvent)
}

func (o ObserverFuncs) Message(h Handle, msg protocol.Message) {
	if o.OnMessage != nil {
		o.OnMessage(h, msg)
	}
}

func (o ObserverFuncs) Resolved(h Handle, r session.Resolution) {
	if o.OnResolved != nil {
		o.OnResolved(h, r)
	}
}

func (o ObserverFuncs) TermOutput(h Handle, data []byte) {
	if o.OnTermOutput != nil {
		o.OnTermOutput(h, data)
	}
}

func (o ObserverFuncs) Exited(ev ExitEvent) {
	if o.OnExit != nil {
		o.OnExit(ev)
	}
}

type Options struct {
	RunID      string
	ScriptPath string
	Args       []string
	Dir        string
	Env        []string

	Runtime   config.RuntimeConfig
	Limits    config.LimitsConfig
	Discovery runtime.Discovery

	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Registry *registry.Registry
	// Term runs term prompts on a pty. Without it term prompts are handed
	// to the Observer like any other prompt.
	Term     *exec.TermRunner
	Observer Observer
}

type Engine struct {
	runID    string
	opts     Options
	proc     *exec.Process
	sessions *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Collector
	observer Observer

	sawRequest atomic.Bool

	resolveMu sync.Mutex
	queueMu   sync.Mutex
	queue     []session.Resolution
	wake      chan struct{}

	termMu sync.Mutex
	terms  map[string]*exec.TermSession

	readDone chan struct{}
	done     chan struct{}
	exit     ExitEvent
}

// Start spawns the script and begins routing its messages.
func Start(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("run_id", opts.RunID, "script", opts.ScriptPath)
	observer := opts.Observer
	if observer == nil {
		observer = ObserverFuncs{}
	}

	proc, err := exec.Spawn(ctx, exec.SpawnOptions{
		ScriptPath:   opts.ScriptPath,
		Args:         opts.Args,
		Dir:          opts.Dir,
		Env:          opts.Env,
		Runtime:      opts.Runtime,
		Discovery:    opts.Discovery,
		WriteTimeout: opts.Limits.WriteTimeout(),
		KillGrace:    opts.Limits.KillGrace(),
		Logger:       logger,
	})
	if err != nil {
		reason := "start_failed"
		if errors.Is(err, runtime.ErrRuntimeNotFound) {
			reason = "runtime_not_found"
		}
		opts.Metrics.SpawnFailed(reason)
		logger.Error("script_spawn_failed", "error", err)
		return nil, err
	}
	opts.Metrics.ScriptSpawned()
	logger.Info("script_started", "pid", proc.PID, "runtime", proc.Runtime)

	e := &Engine{
		runID:    opts.RunID,
		opts:     opts,
		proc:     proc,
		sessions: session.NewRegistry(logger),
		logger:   logger.With("pid", proc.PID),
		metrics:  opts.Metrics,
		observer: observer,
		wake:     make(chan struct{}, 1),
		terms:    map[string]*exec.TermSession{},
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if opts.Registry != nil {
		entry := registry.Entry{PID: proc.PID, ScriptPath: opts.ScriptPath, StartedAt: proc.StartedAt}
		if err := opts.Registry.Add(entry); err != nil {
			e.logger.Warn("process_registry_add_failed", "error", err)
		}
	}

	go e.readLoop()
	go e.writeLoop()
	go e.waitLoop()
	return e, nil
}

func (e *Engine) readLoop() {
	defer close(e.readDone)
	reader := protocol.NewReader(e.proc.Stdout(), protocol.ReaderOptions{
		MaxLineBytes: e.opts.Limits.MaxLineBytes,
		PreviewBytes: e.opts.Limits.PreviewBytes,
	})
	for {
		msg, err := reader.Next()
		if err != nil {
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				e.metrics.DecodeError(string(de.Code))
				e.logger.Warn("protocol_decode_error",
					"code", string(de.Code),
					"message_type", de.Type,
					"detail", de.Detail,
					"preview", de.Preview,
				)
				continue
			}
			return
		}
		e.route(msg)
	}
}

func (e *Engine) route(msg protocol.Message) {
	handle := Handle{RunID: e.runID, PromptID: msg.RequestID()}

	if msg.Kind() == protocol.KindSubmit {
		e.metrics.ProtocolViolation("unexpected_submit")
		e.logger.Warn("protocol_violation", "kind", "unexpected_submit", "prompt_id", handle.PromptID)
		return
	}
	if !msg.ExpectsReply() {
		e.observer.Message(handle, msg)
		return
	}
	e.sawRequest.Store(true)

	if _, exists := e.sessions.Get(handle.PromptID); exists {
		e.metrics.ProtocolViolation("duplicate_id")
		e.logger.Warn("protocol_violation", "kind", "duplicate_id", "prompt_id", handle.PromptID)
		return
	}
	if e.opts.Limits.SupersedePending && protocol.IsUIPrompt(msg) {
		e.settle(func() []session.Resolution {
			return e.sessions.CancelWhere(func(p *session.Prompt) bool {
				return protocol.IsUIPrompt(p.Request)
			})
		})
	}

	if _, err := e.sessions.Register(msg); err != nil {
		if errors.Is(err, session.ErrDuplicateID) {
			e.metrics.ProtocolViolation("duplicate_id")
			e.logger.Warn("protocol_violation", "kind", "duplicate_id", "prompt_id", handle.PromptID)
		}
		return
	}
	e.metrics.PromptOpened()
	e.observer.Message(handle, msg)

	if term, ok := msg.(protocol.Term); ok && e.opts.Term != nil {
		e.startTerm(handle, term)
	}
}

func (e *Engine) startTerm(h Handle, req protocol.Term) {
	ts, err := e.opts.Term.Start(context.Background(), h.PromptID, req.Command, e.opts.Dir, 0, 0, func(b []byte) {
		e.observer.TermOutput(h, b)
	})
	if err != nil {
		e.logger.Warn("term_start_failed", "prompt_id", h.PromptID, "error", err)
		e.Cancel(h.PromptID)
		return
	}
	e.termMu.Lock()
	e.terms[h.PromptID] = ts
	e.termMu.Unlock()

	go func() {
		<-ts.Done()
		e.termMu.Lock()
		delete(e.terms, h.PromptID)
		e.termMu.Unlock()
		if _, pending := e.sessions.Get(h.PromptID); !pending {
			return
		}
		out, err := json.Marshal(ts.Result().Output)
		if err != nil {
			e.Cancel(h.PromptID)
			return
		}
		e.Submit(h.PromptID, out)
	}()
}

func (e *Engine) closeTerm(id string) {
	e.termMu.Lock()
	ts, ok := e.terms[id]
	e.termMu.Unlock()
	if ok {
		_ = ts.Close()
	}
}

func (e *Engine) term(id string) (*exec.TermSession, error) {
	e.termMu.Lock()
	defer e.termMu.Unlock()
	ts, ok := e.terms[id]
	if !ok {
		return nil, ErrTermNotFound
	}
	return ts, nil
}

// Submit resolves prompt id with value and queues the reply. It reports
// false when id is not pending or value is not valid JSON; an empty value
// is sent as null.
func (e *Engine) Submit(id string, value json.RawMessage) bool {
	if !ValidValue(value) {
		e.logger.Warn("submit_rejected", "prompt_id", id, "reason", "invalid_json")
		return false
	}
	return len(e.settle(func() []session.Resolution {
		if r, ok := e.sessions.Resolve(id, value); ok {
			return []session.Resolution{r}
		}
		return nil
	})) > 0
}

// Cancel resolves prompt id to cancelled; the script receives a null
// value.
func (e *Engine) Cancel(id string) bool {
	return len(e.settle(func() []session.Resolution {
		if r, ok := e.sessions.Cancel(id); ok {
			return []session.Resolution{r}
		}
		return nil
	})) > 0
}

// settle runs resolve and queues its replies under one lock so that
// write-back order is resolution order. Observers are notified after the
// lock is released and may call back into the engine.
func (e *Engine) settle(resolve func() []session.Resolution) []session.Resolution {
	e.resolveMu.Lock()
	rs := resolve()
	for _, r := range rs {
		e.metrics.PromptFinished(string(r.Kind), r.State.String(), r.Duration)
		if r.Kind == protocol.KindTerm {
			e.closeTerm(r.ID)
		}
		e.enqueue(r)
	}
	e.resolveMu.Unlock()
	e.notifyResolved(rs)
	return rs
}

func (e *Engine) notifyResolved(rs []session.Resolution) {
	for _, r := range rs {
		e.observer.Resolved(Handle{RunID: e.runID, PromptID: r.ID}, r)
	}
}

func (e *Engine) enqueue(r session.Resolution) {
	select {
	case <-e.proc.Done():
		e.logger.Debug("reply_skipped_process_exited", "prompt_id", r.ID)
		return
	default:
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, r)
	e.queueMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) writeLoop() {
	for {
		select {
		case <-e.wake:
		case <-e.proc.Done():
			return
		}
		e.queueMu.Lock()
		batch := e.queue
		e.queue = nil
		e.queueMu.Unlock()

		for _, r := range batch {
			if err := e.writeReply(r); err != nil {
				if errors.Is(err, exec.ErrProcessExited) {
					e.logger.Debug("reply_skipped_process_exited", "prompt_id", r.ID)
					continue
				}
				e.logger.Error("reply_write_failed", "prompt_id", r.ID, "error", err)
				_ = e.proc.Kill()
				return
			}
		}
	}
}

// writeReply writes r to the script. A reply that cannot be encoded is
// sent as null; only write failures are returned.
func (e *Engine) writeReply(r session.Resolution) error {
	line, err := protocol.Encode(r.Reply())
	if err != nil {
		e.logger.Error("reply_encode_failed", "prompt_id", r.ID, "error", err)
		if line, err = protocol.Encode(protocol.Submit{ID: r.ID}); err != nil {
			return err
		}
	}
	return e.proc.Write(context.Background(), line)
}

// ValidValue reports whether value can be sent to a script as a reply.
func ValidValue(value json.RawMessage) bool {
	return len(value) == 0 || json.Valid(value)
}

func (e *Engine) waitLoop() {
	<-e.proc.Done()
	select {
	case <-e.readDone:
	case <-time.After(outputDrainTimeout):
		e.logger.Warn("script_output_drain_timeout")
		_ = e.proc.CloseOutput()
		<-e.readDone
	}

	e.termMu.Lock()
	for _, ts := range e.terms {
		_ = ts.Close()
	}
	e.termMu.Unlock()

	// The process is gone, so these cancellations are never written back.
	e.resolveMu.Lock()
	cancelled := e.sessions.DrainOnExit()
	for _, r := range cancelled {
		e.metrics.PromptFinished(string(r.Kind), r.State.String(), r.Duration)
	}
	e.resolveMu.Unlock()
	e.notifyResolved(cancelled)

	if e.opts.Registry != nil {
		if err := e.opts.Registry.Remove(e.proc.PID); err != nil {
			e.logger.Warn("process_registry_remove_failed", "error", err)
		}
	}

	status, _ := e.proc.Exit()
	ev := ExitEvent{
		RunID:          e.runID,
		Script:         e.opts.ScriptPath,
		PID:            e.proc.PID,
		State:          status.State.String(),
		Code:           status.Code,
		Signal:         status.Signal,
		StartupFailure: status.State == exec.StateExitedError && !e.sawRequest.Load(),
		Uptime:         status.Uptime,
		Cancelled:      cancelled,
		Stderr:         e.proc.RecentStderr(),
	}
	e.metrics.ScriptExited(ev.State)

	attrs := []any{
		"state", ev.State,
		"code", ev.Code,
		"cancelled_prompts", len(cancelled),
		"uptime_ms", status.Uptime.Milliseconds(),
	}
	if ev.Signal != "" {
		attrs = append(attrs, "signal", ev.Signal)
	}
	switch {
	case ev.StartupFailure:
		e.logger.Error("script_startup_failed", append(attrs, "stderr", ev.Stderr)...)
	case status.State == exec.StateExitedError:
		e.logger.Warn("script_crashed", attrs...)
	default:
		e.logger.Info("script_exited", attrs...)
	}

	e.exit = ev
	close(e.done)
	e.observer.Exited(ev)
}

// Kill terminates the script. Calling it again, or after exit, is a no-op.
func (e *Engine) Kill() error {
	return e.proc.Kill()
}

// TermInput forwards keystrokes to the terminal backing prompt id.
func (e *Engine) TermInput(id, data string) (int, error) {
	ts, err := e.term(id)
	if err != nil {
		return 0, err
	}
	return ts.Input(data)
}

func (e *Engine) TermResize(id string, cols, rows uint16) error {
	ts, err := e.term(id)
	if err != nil {
		return err
	}
	return ts.Resize(cols, rows)
}

func (e *Engine) RunID() string        { return e.runID }
func (e *Engine) PID() int             { return e.proc.PID }
func (e *Engine) Script() string       { return e.opts.ScriptPath }
func (e *Engine) StartedAt() time.Time { return e.proc.StartedAt }
func (e *Engine) State() exec.State    { return e.proc.State() }
func (e *Engine) Pending() []string    { return e.sessions.Pending() }

// Prompt returns the pending request for id.
func (e *Engine) Prompt(id string) (protocol.Message, bool) {
	p, ok := e.sessions.Get(id)
	if !ok {
		return nil, false
	}
	return p.Request, true
}

func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the script has exited and every prompt is settled.
func (e *Engine) Wait(ctx context.Context) (ExitEvent, error) {
	select {
	case <-e.done:
		return e.exit, nil
	case <-ctx.Done():
		return ExitEvent{}, ctx.Err()
	}
}
