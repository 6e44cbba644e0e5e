// Package server exposes Voxline over HTTP: the WebSocket transport that
// carries conversational runs and their streamed frames, health and readiness
// probes, the Prometheus metrics endpoint, and the dead-letter admin surface.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxline/voxline/internal/dlq"
	"github.com/voxline/voxline/internal/health"
	"github.com/voxline/voxline/internal/observe"
	"github.com/voxline/voxline/internal/run"
	"github.com/voxline/voxline/internal/storage"
	"github.com/voxline/voxline/internal/stream"
)

// Deps bundles the collaborators the server fronts.
type Deps struct {
	Controller *run.Controller
	Cancels    *run.CancelRegistry
	Bridge     *stream.Bridge
	Store      storage.Store
	DLQ        *dlq.Service

	// PingDB probes the database for the readiness endpoint. Nil skips the
	// check.
	PingDB func(ctx context.Context) error

	// Metrics is the shared instrument set. Nil disables HTTP and connection
	// metrics.
	Metrics *observe.Metrics
}

// Server is the HTTP/WebSocket front of the pipeline. Safe for concurrent use.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// Option is a functional option for Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// New creates a Server over deps.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps: deps,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the fully routed HTTP handler, wrapped in the request
// metrics middleware when metrics are configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)

	var h http.Handler = mux
	if s.deps.Metrics != nil {
		h = observe.Middleware(s.deps.Metrics)(h)
	}
	return h
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{}
	if s.deps.PingDB != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: s.deps.PingDB})
	}
	health.New(checkers...).Register(mux)

	mux.HandleFunc("GET /admin/dlq", s.handleDLQList)
	mux.HandleFunc("GET /admin/dlq/stats", s.handleDLQStats)
	mux.HandleFunc("GET /admin/dlq/{id}", s.handleDLQGet)
	mux.HandleFunc("POST /admin/dlq/{id}/resolve", s.handleDLQResolve)
	mux.HandleFunc("POST /admin/dlq/{id}/reprocess", s.handleDLQReprocess)
}
