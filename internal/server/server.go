// Package server assembles the HTTP surface: the WebSocket gateway, the
// history, command and tab APIs, metrics and health.
package server

import (
	"net/http"
	"time"

	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/metrics"
	"github.com/entl/termhub/internal/session"
	"github.com/entl/termhub/internal/storage"
	"github.com/entl/termhub/internal/suggest"
	"github.com/entl/termhub/internal/system"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Config wires the handlers to their backing services.
type Config struct {
	Gateway  http.Handler
	Sessions *session.Registry
	DB       *storage.DB
	History  *history.Recorder
	Suggest  *suggest.Service
	System   *system.Service
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	sessions *session.Registry
	db       *storage.DB
	history  *history.Recorder
	suggest  *suggest.Service
	logger   zerolog.Logger
	router   chi.Router
}

// New builds the router.
func New(cfg Config) *Server {
	s := &Server{
		sessions: cfg.Sessions,
		db:       cfg.DB,
		history:  cfg.History,
		suggest:  cfg.Suggest,
		logger:   cfg.Logger.With().Str("component", "http").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", cfg.System.HealthHandler)
	r.Handle("/metrics", cfg.Metrics.Handler())
	r.Handle("/ws", cfg.Gateway)

	r.Route("/api", func(r chi.Router) {
		r.Get("/version", cfg.System.VersionHandler)
		r.Get("/sessions", s.ListSessions)

		r.Get("/history/{key}", s.GetHistory)

		r.Get("/commands", s.QueryCommands)
		r.Get("/commands/suggest", s.SuggestCommands)

		r.Get("/tabs", s.ListTabs)
		r.Post("/tabs", s.PostTabs)
		r.Delete("/tabs", s.DeleteTab)
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListSessions describes the live sessions.
func (s *Server) ListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// accessLog logs each request once it completes.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", r.RemoteAddr).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
