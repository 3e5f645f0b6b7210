package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samiralibabic/scriptd/internal/config"
	"github.com/samiralibabic/scriptd/internal/metrics"
	"github.com/samiralibabic/scriptd/internal/transport/httpjsonrpc"
	"github.com/samiralibabic/scriptd/internal/transport/wsjsonrpc"
)

// NewHTTPHandler mounts the JSON-RPC, WebSocket, metrics and health
// endpoints. A nil gatherer serves the default Prometheus registry.
func NewHTTPHandler(cfg config.Config, svc *Service, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HTTPPath, httpjsonrpc.Handler(svc.Handle))
	mux.HandleFunc(cfg.Server.WSPath, wsjsonrpc.Handler(svc.Handle, svc.Bus().Subscribe))
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, metrics.Handler(gatherer))
	}
	mux.HandleFunc("/healthz", metrics.HealthHandler)
	return mux
}

func RunHTTP(ctx context.Context, cfg config.Config, svc *Service) error {
	srv := &http.Server{
		Addr:              cfg.Server.HTTPListen,
		Handler:           NewHTTPHandler(cfg, svc, nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	svc.logger.Info("http_listening", "addr", cfg.Server.HTTPListen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
