package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/precip-forecast-etl/internal/adapter/http"
	"github.com/couchcryptid/precip-forecast-etl/internal/app"
	"github.com/couchcryptid/precip-forecast-etl/internal/config"
	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
	"github.com/couchcryptid/precip-forecast-etl/internal/pipeline"
	"github.com/couchcryptid/storm-data-shared/retry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, a.Pipeline, a, cfg.RunTimeout, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start the scheduler when RUN_INTERVAL is set.
	if cfg.RunInterval > 0 {
		go schedule(ctx, a.Pipeline, cfg.RunInterval, cfg.RunTimeout, logger)
	} else {
		logger.Info("scheduler disabled; runs are triggered via POST /run")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// schedule runs the pipeline immediately and then every interval until ctx is
// cancelled. Failures are logged and the loop continues.
func schedule(ctx context.Context, p *pipeline.Pipeline, interval, timeout time.Duration, logger *slog.Logger) {
	logger.Info("scheduler started", "interval", interval)
	for {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		if _, err := p.Run(runCtx); err != nil {
			logger.Error("scheduled run failed", "error", err)
		}
		cancel()

		if !retry.SleepWithContext(ctx, interval) {
			logger.Info("scheduler stopped")
			return
		}
	}
}
