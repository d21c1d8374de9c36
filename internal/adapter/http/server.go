package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) (domain.RunReport, error)
}

// Server exposes the run trigger plus health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /run, /healthz, /readyz, and /metrics
// routes. Each triggered run is bounded by runTimeout.
func NewServer(addr string, runner Runner, ready sharedobs.ReadinessChecker, runTimeout time.Duration, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
			// A triggered run holds the response open until it finishes.
			WriteTimeout: runTimeout + 10*time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("POST /run", handleRun(runner, runTimeout, logger))
	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// handleRun answers 200 with the run report on success (degraded synthetic
// runs included) and 500 with the report and error otherwise.
func handleRun(runner Runner, timeout time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report, err := runner.Run(ctx)
		if err != nil {
			logger.Error("triggered run failed", "run_id", report.RunID, "error", err)
			if report.Error == "" {
				report.Error = err.Error()
			}
			sharedobs.WriteJSON(w, http.StatusInternalServerError, report)
			return
		}
		sharedobs.WriteJSON(w, http.StatusOK, report)
	}
}
