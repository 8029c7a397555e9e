// Package server exposes the benchmark over HTTP: starting, listing and
// cancelling runs, inspecting archived conversations, and reading or
// resetting the capacity ledger.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/storage"
)

// Backend is what the routes need from the assembled benchmark.
type Backend interface {
	Constellations() ([]string, error)
	CapacitySnapshot(ctx context.Context) ([]domain.CapacityRecord, error)
	ResetCapacity(ctx context.Context) ([]domain.CapacityRecord, error)
}

// Config wires a Server.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	Backend        Backend
	Runs           *runs.Manager
	// Transcripts is optional; without it the conversation routes answer 404.
	Transcripts storage.TranscriptStore
	Logger      *slog.Logger
}

type Server struct {
	Router *chi.Mux
	Port   int

	cfg    Config
	logger *slog.Logger
	http   *http.Server
}

// New builds the router. Middleware order: request ID, logging, timeout,
// panic recovery, tracing.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "matchbench")
	})

	s := &Server{Router: r, Port: cfg.Port, cfg: cfg, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.Router
	r.Get("/health", s.health)
	r.Get("/constellations", s.listConstellations)

	r.Get("/capacity", s.getCapacity)
	r.Post("/capacity/reset", s.resetCapacity)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.startRun)
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
		r.Delete("/{id}", s.cancelRun)
		r.Get("/{id}/conversations", s.listRunConversations)
	})
	r.Get("/conversations/{id}", s.getConversation)
}

// Start listens on the configured port and serves in the background. It
// returns once the listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.Port, err)
	}
	s.http = &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
