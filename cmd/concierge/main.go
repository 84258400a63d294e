package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jxl55/ert-concierge/internal/config"
	"github.com/jxl55/ert-concierge/internal/fsapi"
	"github.com/jxl55/ert-concierge/internal/logging"
	"github.com/jxl55/ert-concierge/internal/metrics"
	"github.com/jxl55/ert-concierge/internal/registry"
	"github.com/jxl55/ert-concierge/internal/router"
	"github.com/jxl55/ert-concierge/internal/session"
	"github.com/jxl55/ert-concierge/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.New()
	reg := registry.New(cfg.WebSocket.MailboxSize, metricsRegistry)
	rt := router.New(reg, logger, metricsRegistry)

	sessionCfg := session.Config{
		Secret:          cfg.WebSocket.Secret,
		MinVersion:      cfg.WebSocket.MinVersion,
		ServerVersion:   cfg.WebSocket.ServerVersion,
		IdentifyTimeout: cfg.WebSocket.IdentifyTimeout,
		FsRoot:          cfg.Fs.Root,
	}
	factory, err := session.NewFactory(sessionCfg, reg, rt, logger, metricsRegistry)
	if err != nil {
		logger.Fatal("build session factory", zap.Error(err))
	}

	transportServer := transport.NewServer(cfg.Server.Host, cfg.Server.Port, cfg.WebSocket.Subprotocol, factory, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	fsHandler := fsapi.New(cfg.Fs.Root, cfg.Fs.MaxPutSize, reg, logger, metricsRegistry)

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, reg, fsHandler, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	logger.Info("transport stopped")
}

func runHTTPServer(ctx context.Context, cfg config.Config, reg *registry.Registry, fsHandler *fsapi.Handler, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, healthPayload(reg))
	})

	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.Handle("/fs/", fsHandler.Router())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// healthPayload reports liveness plus a light system snapshot via gopsutil,
// in the shape go-server's health handler uses.
func healthPayload(reg *registry.Registry) map[string]any {
	payload := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"clients":   reg.ClientCount(),
	}

	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		payload["cpu_percent"] = percent[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		payload["mem_used_percent"] = vmem.UsedPercent
	}

	return payload
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
