// Command server runs the upload relay: it accepts browser multipart
// uploads and streams them into a remote storage backend without touching
// local disk.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/copygo/uploader/internal/api"
	"github.com/copygo/uploader/internal/backend"
	"github.com/copygo/uploader/internal/config"
	"github.com/copygo/uploader/internal/logging"
	"github.com/copygo/uploader/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("load config", zap.Error(err))
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.InitDefault()
		logging.Warn("logger init failed, using defaults", zap.Error(err))
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := backend.New(ctx, cfg)
	if err != nil {
		logging.Fatal("create backend client", zap.Error(err))
	}

	server := api.NewServer(cfg, client)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
		// No WriteTimeout: large uploads are still streaming to the backend
		// long after typical API deadlines.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logging.Info("server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("backend", cfg.Backend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	metricsServer.Shutdown(shutdownCtx)
	logging.Info("shutdown complete")
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}
