package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/engine"
	"github.com/samiralibabic/scriptd/internal/exec"
	"github.com/samiralibabic/scriptd/internal/logging"
	"github.com/samiralibabic/scriptd/internal/metrics"
	"github.com/samiralibabic/scriptd/internal/registry"
	"github.com/samiralibabic/scriptd/internal/server"
	"github.com/samiralibabic/scriptd/internal/tui"
)

func main() {
	var cfgPath string
	var stdio bool
	var httpListen string
	var verbose bool
	var logFile string
	flag.StringVar(&cfgPath, "config", "/etc/scriptd/config.toml", "path to scriptd config")
	flag.BoolVar(&stdio, "stdio", false, "run JSON-RPC on stdio")
	flag.StringVar(&httpListen, "http", "", "listen address for HTTP/WS transport")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.StringVar(&logFile, "log-file", "", "log to this file instead of stderr")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: scriptd [flags]\n       scriptd [flags] run <script> [args...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if stdio {
		cfg.Server.Stdio = true
	}
	if httpListen != "" {
		cfg.Server.HTTPListen = httpListen
		cfg.Server.Stdio = stdio
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if flag.Arg(0) == "run" {
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(2)
		}
		// The terminal belongs to the UI; logs go to a file or nowhere.
		logger := logging.Discard()
		if logFile != "" {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
			if err != nil {
				log.Fatalf("open log file: %v", err)
			}
			defer f.Close()
			logger = logging.NewLoggerWithWriter(f, cfg.Server.LogFormat, cfg.Server.LogLevel)
		}
		code, err := runScript(ctx, cfg, logger, flag.Arg(1), flag.Args()[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, "scriptd:", err)
		}
		cancel()
		os.Exit(code)
	}

	logger := newLogger(cfg, verbose, logFile)
	svc, err := server.NewService(cfg, server.ServiceOptions{
		Logger:  logger,
		Metrics: metrics.NewCollector(),
	})
	if err != nil {
		log.Fatalf("create service: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("orphan_reconcile_failed", "error", err)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
	}()

	if cfg.Server.HTTPListen != "" {
		errc := make(chan error, 1)
		go func() { errc <- server.RunHTTP(ctx, cfg, svc) }()
		if cfg.Server.Stdio {
			if err := server.RunStdio(ctx, svc, os.Stdin, os.Stdout); err != nil {
				logger.Error("stdio_server_failed", "error", err)
			}
			cancel()
		}
		if err := <-errc; err != nil {
			logger.Error("http_server_failed", "error", err)
		}
		return
	}
	if !cfg.Server.Stdio {
		log.Fatal("either --stdio or --http must be configured")
	}
	if err := server.RunStdio(ctx, svc, os.Stdin, os.Stdout); err != nil {
		logger.Error("stdio_server_failed", "error", err)
	}
}

func newLogger(cfg config.Config, verbose bool, logFile string) *slog.Logger {
	if logFile == "" {
		return logging.NewLogger(cfg.Server.LogFormat, cfg.Server.LogLevel, verbose)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	level := cfg.Server.LogLevel
	if verbose {
		level = "debug"
	}
	return logging.NewLoggerWithWriter(f, cfg.Server.LogFormat, level)
}

// runScript runs one script with the terminal UI and returns the exit code
// for the scriptd process.
func runScript(ctx context.Context, cfg config.Config, logger *slog.Logger, script string, args []string) (int, error) {
	path, err := filepath.Abs(script)
	if err != nil {
		return 1, err
	}
	var reg *registry.Registry
	if cfg.Registry.Path != "" {
		if reg, err = registry.Open(cfg.Registry.Path, logger); err != nil {
			logger.Warn("process_registry_unavailable", "error", err)
			reg = nil
		}
	}

	obs := tui.NewObserver()
	defer obs.Close()
	e, err := engine.Start(ctx, engine.Options{
		RunID:      uuid.NewString(),
		ScriptPath: path,
		Args:       args,
		Runtime:    cfg.Runtime,
		Limits:     cfg.Limits,
		Logger:     logger,
		Registry:   reg,
		Term:       exec.NewTermRunner(cfg.Limits.MaxTermCapture, logger),
		Observer:   obs,
	})
	if err != nil {
		return 127, err
	}

	model := tui.New(tui.Config{Script: path, Responder: e, Events: obs.Events()})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := p.Run()
	obs.Close()

	_ = e.Kill()
	waitCtx, stop := context.WithTimeout(context.Background(), cfg.Limits.KillGrace()+5*time.Second)
	defer stop()
	ev, err := e.Wait(waitCtx)
	if err != nil {
		return 1, err
	}
	printExit(os.Stderr, ev)
	if runErr != nil && ctx.Err() == nil {
		return 1, runErr
	}
	if ev.State == exec.StateKilled.String() {
		return 130, nil
	}
	return ev.Code, nil
}

func printExit(w io.Writer, ev engine.ExitEvent) {
	switch {
	case ev.StartupFailure:
		fmt.Fprintln(w, ev.Err())
		for _, line := range ev.Stderr {
			fmt.Fprintln(w, "  "+line)
		}
	case ev.State == exec.StateExitedError.String():
		fmt.Fprintf(w, "%s exited with code %d", filepath.Base(ev.Script), ev.Code)
		if ev.Signal != "" {
			fmt.Fprintf(w, " (%s)", ev.Signal)
		}
		fmt.Fprintln(w)
		for _, line := range ev.Stderr {
			fmt.Fprintln(w, "  "+line)
		}
	}
}
