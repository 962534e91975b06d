package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sashakarcz/vrconf/internal/events"
	"github.com/sashakarcz/vrconf/internal/history"
	"github.com/sashakarcz/vrconf/internal/metrics"
	"github.com/sashakarcz/vrconf/internal/reconciler"
	"github.com/sashakarcz/vrconf/internal/runlog"
)

// Runner triggers reconciliations
type Runner interface {
	Run(ctx context.Context, trigger runlog.Trigger) (*reconciler.Result, error)
	SetRedundancy(ctx context.Context, enabled bool) (*reconciler.Result, error)
	Last() *reconciler.Result
}

// RunStore reads the run log
type RunStore interface {
	Health(ctx context.Context) error
	Get(ctx context.Context, id string) (*runlog.Run, error)
	Recent(ctx context.Context, limit int) ([]*runlog.Run, error)
	LastSuccessful(ctx context.Context) (*runlog.Run, error)
}

// History reads the file journal
type History interface {
	Log(limit int) ([]*history.Snapshot, error)
}

// EventSource feeds the live event stream
type EventSource interface {
	Register(clientID string) (*events.Client, bool)
	Unregister(client *events.Client)
}

// Server provides the local status API
type Server struct {
	runner     Runner
	store      RunStore
	journal    History
	metrics    *metrics.Metrics
	events     EventSource
	log        zerolog.Logger
	listen     string
	httpServer *http.Server
	listener   net.Listener
}

// Config holds status server configuration
type Config struct {
	Listen string
}

// Option configures a Server
type Option func(*Server)

// WithEvents serves the live event stream from src
func WithEvents(src EventSource) Option {
	return func(s *Server) { s.events = src }
}

// New creates a new status server. store, journal and m may be nil.
func New(cfg Config, runner Runner, store RunStore, journal History, m *metrics.Metrics, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		runner:  runner,
		store:   store,
		journal: journal,
		metrics: m,
		log:     log.With().Str("component", "api").Logger(),
		listen:  cfg.Listen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs", s.handleTriggerRun)
		r.Get("/runs/last", s.handleLastRun)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/redundancy/{state}", s.handleRedundancy)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start starts the status server
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // manual runs answer when they finish
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.log.Info().
		Str("listen", ln.Addr().String()).
		Msg("Starting status server")

	// Start server in goroutine
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Status server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the status server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping status server")

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}

	s.log.Info().Msg("Status server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request handled")
	})
}
