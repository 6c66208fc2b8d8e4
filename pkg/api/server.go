// Package api exposes the capture and replay pipelines over HTTP: JSON
// control endpoints, a WebSocket event feed per session, and the usual
// health and metrics surfaces.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sissississi-013/parrot/pkg/capture"
	"github.com/sissississi-013/parrot/pkg/graph"
	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/oracle"
	"github.com/sissississi-013/parrot/pkg/replay"
	"github.com/sissississi-013/parrot/pkg/session"
	"github.com/sissississi-013/parrot/pkg/stream"
	"github.com/sissississi-013/parrot/pkg/telemetry"
)

// Config holds the HTTP server settings.
type Config struct {
	Listen         string
	AllowedOrigins []string
}

// Server wires the pipelines into an HTTP surface.
type Server struct {
	cfg     Config
	reg     *session.Registry
	mux     *stream.Multiplexer
	capture *capture.Pipeline
	replay  *replay.Pipeline
	store   graph.Store
	coach   oracle.Coach
	log     *logging.Logger
	metrics *telemetry.Metrics

	httpServer *http.Server
}

// NewServer builds the server; call Start to begin serving.
func NewServer(cfg Config, reg *session.Registry, mux *stream.Multiplexer,
	cap *capture.Pipeline, rep *replay.Pipeline, store graph.Store,
	coach oracle.Coach, log *logging.Logger, metrics *telemetry.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		mux:     mux,
		capture: cap,
		replay:  rep,
		store:   store,
		coach:   coach,
		log:     log,
		metrics: metrics,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", s.metrics.Handler().ServeHTTP)

	router.Post("/capture", s.handleStartCapture)
	router.Post("/capture/{sessionID}/stop", s.handleStopCapture)

	router.Post("/replay", s.handleStartReplay)
	router.Post("/replay/{sessionID}/stop", s.handleStopReplay)
	router.Post("/replay/{sessionID}/score", s.handleScoreReplay)

	router.Post("/coach/guide", s.handleGuideStep)

	router.Get("/sessions/{sessionID}", s.handleSessionStatus)
	router.Get("/sessions/{sessionID}/events", s.handleSessionEvents)

	router.Get("/workflows/{workflowID}", s.handleGetWorkflow)

	return router
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info(logging.CategoryServer, "listening", "", map[string]any{"addr": s.cfg.Listen})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
