// Command forecast runs the extraction pipeline once and exits. The exit code
// is 0 when the run succeeded, including a flagged synthetic success, and 1
// otherwise.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/precip-forecast-etl/internal/app"
	"github.com/couchcryptid/precip-forecast-etl/internal/config"
	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error("close error", "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	report, err := a.Pipeline.Run(runCtx)
	if err != nil {
		logger.Error("run failed", "run_id", report.RunID, "failed_stage", report.FailedStage, "error", err)
		return 1
	}
	if report.Synthetic {
		logger.Warn("run degraded to a synthetic measurement", "run_id", report.RunID, "cause", report.ErrorKind)
	}
	return 0
}
