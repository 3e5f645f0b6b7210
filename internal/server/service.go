package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/samiralibabic/scriptd/internal/audit"
	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/engine"
	"github.com/samiralibabic/scriptd/internal/events"
	execsvc "github.com/samiralibabic/scriptd/internal/exec"
	fssvc "github.com/samiralibabic/scriptd/internal/fs"
	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/metrics"
	"github.com/samiralibabic/scriptd/internal/policy"
	"github.com/samiralibabic/scriptd/internal/registry"
	"github.com/samiralibabic/scriptd/internal/rpc"
)

const ServerVersion = "0.1.0"

const maxPathEntries = 1000

type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	policy  *policy.Engine
	host    *engine.Host
	browser *fssvc.Browser
	bus     *events.Bus
	audit   *audit.Logger
}

type ServiceOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

func NewService(cfg config.Config, opts ServiceOptions) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	pol, err := policy.New(config.AllowedRoots(cfg))
	if err != nil {
		return nil, err
	}
	var reg *registry.Registry
	if cfg.Registry.Path != "" {
		reg, err = registry.Open(cfg.Registry.Path, logger)
		if err != nil {
			return nil, err
		}
	}
	bus := events.NewBus(logger, opts.Metrics)
	host := engine.NewHost(engine.HostOptions{
		Config:   cfg,
		Logger:   logger,
		Metrics:  opts.Metrics,
		Registry: reg,
		Term:     execsvc.NewTermRunner(cfg.Limits.MaxTermCapture, logger),
		Observer: newBusObserver(bus),
	})
	return &Service{
		cfg:     cfg,
		logger:  logger,
		policy:  pol,
		host:    host,
		browser: fssvc.NewBrowser(maxPathEntries),
		bus:     bus,
		audit:   audit.New(cfg.Audit.Enabled, cfg.Audit.Path),
	}, nil
}

// Start cleans up scripts orphaned by an earlier run of the host.
func (s *Service) Start(ctx context.Context) error {
	report, err := s.host.Reconcile(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("orphan_reconcile_complete",
		"pruned", report.Count(registry.ActionPruned),
		"stale", report.Count(registry.ActionStale),
		"terminated", report.Count(registry.ActionTerminated),
		"kept", report.Count(registry.ActionKept),
	)
	return nil
}

// Shutdown kills every running script.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.host.Shutdown(ctx)
}

func (s *Service) Bus() *events.Bus {
	return s.bus
}

func (s *Service) Host() *engine.Host {
	return s.host
}

func (s *Service) Handle(ctx context.Context, req rpc.Request) rpc.Response {
	id := req.DecodedID()
	if req.JSONRPC != rpc.Version {
		return rpc.ErrorResponse(id, rpc.ErrInvalidRequest, "jsonrpc must be 2.0", nil)
	}
	var (
		out any
		err error
	)
	switch req.Method {
	case rpc.MethodScriptRun:
		out, err = s.scriptRun(ctx, req.Params)
	case rpc.MethodScriptList:
		out, err = map[string]any{"runs": s.host.List()}, nil
	case rpc.MethodScriptKill:
		out, err = s.scriptKill(req.Params)
	case rpc.MethodPromptSubmit:
		out, err = s.promptSubmit(req.Params)
	case rpc.MethodPromptCancel:
		out, err = s.promptCancel(req.Params)
	case rpc.MethodTermInput:
		out, err = s.termInput(req.Params)
	case rpc.MethodTermResize:
		out, err = s.termResize(req.Params)
	case rpc.MethodPathList:
		out, err = s.pathList(req.Params)
	default:
		return rpc.ErrorResponse(id, rpc.ErrMethodNotFound, "method not found", map[string]any{"method": req.Method})
	}

	entry := audit.Entry{Method: req.Method, RunID: runIDOf(req.Params)}
	if err != nil {
		resp := s.errResp(id, err)
		entry.Error = resp.Error
		s.audit.Write(entry)
		return resp
	}
	entry.Result = out
	s.audit.Write(entry)
	return rpc.ResultResponse(id, out)
}

func runIDOf(raw json.RawMessage) string {
	var p struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(raw, &p)
	return p.RunID
}

type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

func invalidParams(msg string) error { return &paramsError{msg: msg} }

func (s *Service) errResp(id any, err error) rpc.Response {
	var pe *paramsError
	var se *execsvc.SpawnError
	switch {
	case errors.As(err, &pe), errors.Is(err, engine.ErrInvalidValue),
		errors.Is(err, fssvc.ErrNotDirectory), errors.Is(err, os.ErrNotExist):
		return rpc.ErrorResponse(id, rpc.ErrInvalidParams, err.Error(), nil)
	case errors.Is(err, policy.ErrForbiddenPath):
		return rpc.ErrorResponse(id, rpc.ErrForbiddenPath, "Path is outside allowed roots", nil)
	case errors.Is(err, engine.ErrRunNotFound):
		return rpc.ErrorResponse(id, rpc.ErrRunNotFound, err.Error(), nil)
	case errors.Is(err, engine.ErrTermNotFound), errors.Is(err, execsvc.ErrProcessExited):
		return rpc.ErrorResponse(id, rpc.ErrTermNotFound, err.Error(), nil)
	case errors.Is(err, engine.ErrTooManyScripts), errors.Is(err, engine.ErrShuttingDown):
		return rpc.ErrorResponse(id, rpc.ErrResourceLimit, err.Error(), nil)
	case errors.As(err, &se):
		return rpc.ErrorResponse(id, rpc.ErrSpawnFailed, err.Error(), map[string]any{"script": se.Script})
	case errors.Is(err, context.DeadlineExceeded):
		return rpc.ErrorResponse(id, rpc.ErrTimeout, err.Error(), nil)
	default:
		s.logger.Error("rpc_internal_error", "error", err)
		return rpc.ErrorResponse(id, rpc.ErrInternal, err.Error(), nil)
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, invalidParams(err.Error())
	}
	return v, nil
}

func (s *Service) scriptRun(ctx context.Context, raw json.RawMessage) (any, error) {
	p, err := decode[rpc.ScriptRunParams](raw)
	if err != nil {
		return nil, err
	}
	if p.ScriptPath == "" {
		return nil, invalidParams("script_path is required")
	}
	script, err := s.policy.ResolveScript(p.Cwd, p.ScriptPath)
	if err != nil {
		return nil, err
	}
	cwd := p.Cwd
	if cwd != "" {
		if cwd, err = s.policy.ResolvePath("", cwd); err != nil {
			return nil, err
		}
	}
	e, err := s.host.Run(ctx, engine.RunRequest{ScriptPath: script, Args: p.Args, Dir: cwd})
	if err != nil {
		return nil, err
	}
	return rpc.ScriptRunResult{
		RunID:     e.RunID(),
		PID:       e.PID(),
		StartedAt: e.StartedAt().Format(time.RFC3339Nano),
	}, nil
}

func (s *Service) scriptKill(raw json.RawMessage) (any, error) {
	p, err := decode[rpc.ScriptKillParams](raw)
	if err != nil {
		return nil, err
	}
	if err := s.host.Kill(p.RunID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) promptSubmit(raw json.RawMessage) (any, error) {
	p, err := decode[rpc.PromptSubmitParams](raw)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	ok, err := s.host.Submit(p.RunID, p.ID, p.Value)
	if err != nil {
		return nil, err
	}
	return rpc.PromptResult{Accepted: ok}, nil
}

func (s *Service) promptCancel(raw json.RawMessage) (any, error) {
	p, err := decode[rpc.PromptCancelParams](raw)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	ok, err := s.host.Cancel(p.RunID, p.ID)
	if err != nil {
		return nil, err
	}
	return rpc.PromptResult{Accepted: ok}, nil
}

func (s *Service) termInput(raw json.RawMessage) (any, error) {
	p, err := decode[rpc.TermInputParams](raw)
	if err != nil {
		return nil, err
	}
	e, err := s.host.Get(p.RunID)
	if err != nil {
		return nil, err
	}
	n, err := e.TermInput(p.ID, p.Data)
	if err != nil {
		return nil, err
	}
	return rpc.TermInputResult{AcceptedBytes: n}, nil
}

func (s *Service) termResize(raw json.RawMessage) (any, error) {
	p, err := decode[rpc.TermResizeParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Cols == 0 || p.Rows == 0 {
		return nil, invalidParams("cols and rows must be positive")
	}
	e, err := s.host.Get(p.RunID)
	if err != nil {
		return nil, err
	}
	if err := e.TermResize(p.ID, p.Cols, p.Rows); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (s *Service) pathList(raw json.RawMessage) (any, error) {
	p, err := decode[rpc.PathListParams](raw)
	if err != nil {
		return nil, err
	}
	path, err := s.policy.ResolvePath("", p.Path)
	if err != nil {
		return nil, err
	}
	return s.browser.List(path, p.MaxEntries)
}
