package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/exec"
	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/metrics"
	"github.com/samiralibabic/scriptd/internal/registry"
	"github.com/samiralibabic/scriptd/internal/runtime"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrTooManyScripts = errors.New("max running scripts reached")
	ErrShuttingDown   = errors.New("host is shutting down")
)

// RunRequest asks the host to start one script.
type RunRequest struct {
	ScriptPath string
	Args       []string
	Dir        string
	Env        []string
}

// RunInfo is a snapshot of a running script.
type RunInfo struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Script    string    `json:"script"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Pending   []string  `json:"pending"`
}

type HostOptions struct {
	Config    config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Registry  *registry.Registry
	Term      *exec.TermRunner
	Discovery runtime.Discovery
	Observer  Observer
}

// Host indexes running engines by run id so UI calls can be routed to
// the right script.
type Host struct {
	opts   HostOptions
	logger *slog.Logger

	mu       sync.Mutex
	engines  map[string]*Engine
	starting int
	closed   bool
}

func NewHost(opts HostOptions) *Host {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	return &Host{
		opts:    opts,
		logger:  logger,
		engines: map[string]*Engine{},
	}
}

// Run starts a script under a fresh run id.
func (h *Host) Run(ctx context.Context, req RunRequest) (*Engine, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	limit := h.opts.Config.Limits.MaxRunningScripts
	if limit > 0 && len(h.engines)+h.starting >= limit {
		h.mu.Unlock()
		return nil, ErrTooManyScripts
	}
	h.starting++
	h.mu.Unlock()

	runID := uuid.NewString()
	e, err := Start(ctx, Options{
		RunID:      runID,
		ScriptPath: req.ScriptPath,
		Args:       req.Args,
		Dir:        req.Dir,
		Env:        req.Env,
		Runtime:    h.opts.Config.Runtime,
		Limits:     h.opts.Config.Limits,
		Discovery:  h.opts.Discovery,
		Logger:     h.logger,
		Metrics:    h.opts.Metrics,
		Registry:   h.opts.Registry,
		Term:       h.opts.Term,
		Observer:   hostObserver{Observer: h.opts.Observer, host: h},
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	h.starting--
	if err != nil {
		return nil, err
	}
	select {
	case <-e.Done():
		// Already gone; the exit callback found nothing to remove.
	default:
		h.engines[runID] = e
	}
	return e, nil
}

type hostObserver struct {
	Observer
	host *Host
}

func (o hostObserver) Exited(ev ExitEvent) {
	o.host.mu.Lock()
	delete(o.host.engines, ev.RunID)
	o.host.mu.Unlock()
	o.Observer.Exited(ev)
}

func (h *Host) Get(runID string) (*Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.engines[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return e, nil
}

// List returns the running scripts ordered by start time.
func (h *Host) List() []RunInfo {
	h.mu.Lock()
	engines := make([]*Engine, 0, len(h.engines))
	for _, e := range h.engines {
		engines = append(engines, e)
	}
	h.mu.Unlock()

	out := make([]RunInfo, 0, len(engines))
	for _, e := range engines {
		out = append(out, RunInfo{
			RunID:     e.RunID(),
			PID:       e.PID(),
			Script:    e.Script(),
			State:     e.State().String(),
			StartedAt: e.StartedAt(),
			Pending:   e.Pending(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (h *Host) Kill(runID string) error {
	e, err := h.Get(runID)
	if err != nil {
		return err
	}
	return e.Kill()
}

func (h *Host) Submit(runID, promptID string, value json.RawMessage) (bool, error) {
	e, err := h.Get(runID)
	if err != nil {
		return false, err
	}
	if !ValidValue(value) {
		return false, ErrInvalidValue
	}
	return e.Submit(promptID, value), nil
}

func (h *Host) Cancel(runID, promptID string) (bool, error) {
	e, err := h.Get(runID)
	if err != nil {
		return false, err
	}
	return e.Cancel(promptID), nil
}

// Reconcile cleans up processes recorded by a previous host run.
func (h *Host) Reconcile(ctx context.Context) (registry.Report, error) {
	if h.opts.Registry == nil {
		return registry.Report{}, nil
	}
	report, err := h.opts.Registry.Reconcile(ctx, func(e registry.Entry) bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, eng := range h.engines {
			if eng.PID() == e.PID {
				return true
			}
		}
		return false
	})
	for _, o := range report.Outcomes {
		h.opts.Metrics.OrphanAction(string(o.Action))
	}
	return report, err
}

// Shutdown refuses new runs, kills every running script and waits for
// them to exit or ctx to end.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	engines := make([]*Engine, 0, len(h.engines))
	for _, e := range h.engines {
		engines = append(engines, e)
	}
	h.mu.Unlock()

	for _, e := range engines {
		if err := e.Kill(); err != nil {
			h.logger.Warn("script_kill_failed", "run_id", e.RunID(), "error", err)
		}
	}
	for _, e := range engines {
		if _, err := e.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
