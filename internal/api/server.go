// Package api exposes the fetcher core's operational state over HTTP: a
// status summary, the latest statistics snapshot, the structured log store,
// and recent per-asset update history. Every endpoint is read-only; nothing
// here ever mutates fetcher state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/internal/monitor"
	"github.com/fetcherd/fetcherd/internal/pricestore"
)

// Config bundles a Server's collaborators.
type Config struct {
	Port           int
	DB             *database.DB
	Store          *pricestore.Store
	Stats          *monitor.Stats
	LogStore       *monitor.LogStore
	UpdateInterval time.Duration
	Log            zerolog.Logger
}

// Server is the Read-Only Query Surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	h      *handlers
}

// New builds a Server with its routes and middleware wired.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "api").Logger(),
		h: &handlers{
			db:             cfg.DB,
			store:          cfg.Store,
			stats:          cfg.Stats,
			logStore:       cfg.LogStore,
			updateInterval: cfg.UpdateInterval,
			log:            cfg.Log.With().Str("component", "api").Logger(),
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(15 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Accept"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.h.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/fetcher", func(r chi.Router) {
		r.Get("/status", s.h.handleStatus)
		r.Get("/statistics", s.h.handleStatistics)
		r.Get("/logs", s.h.handleLogs)
		r.Get("/recent-updates", s.h.handleRecentUpdates)
	})
}

// Start serves until the process is asked to stop.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting query surface")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("stopping query surface")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
