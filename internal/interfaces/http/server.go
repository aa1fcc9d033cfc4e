// Package http serves the operational surface: health, metrics, job
// status, symbol summaries, and manual job submission. Read-mostly; the
// single write endpoint only enqueues work.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/scheduler"
	"github.com/candlevault/candlevault/internal/telemetry"
)

// Pinger reports storage reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the ops HTTP server.
type Server struct {
	router    *mux.Router
	server    *http.Server
	repo      persistence.Repository
	db        Pinger
	scheduler *scheduler.Scheduler
	metrics   *telemetry.Metrics
}

// NewServer wires the routes. scheduler and metrics may be nil in tests.
func NewServer(cfg config.HTTPConfig, repo persistence.Repository, db Pinger, sched *scheduler.Scheduler, metrics *telemetry.Metrics) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		repo:      repo,
		db:        db,
		scheduler: sched,
		metrics:   metrics,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/symbols", s.handleSymbols).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", w.Header().Get("X-Request-ID")).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
