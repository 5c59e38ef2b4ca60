// Package api is the HTTP adapter over the tracker service.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/metrics"
	"github.com/opensource-finance/linklock/internal/rules"
	"github.com/opensource-finance/linklock/internal/tracker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *tracker.Service, repo domain.EventStore, engine *rules.Engine, version string) *Server {
	handler := NewHandler(svc, repo, engine, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(metrics.Middleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Ops
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", metrics.Handler())

	// Event ingestion
	router.Group(func(r chi.Router) {
		if cfg.RateLimitPerMinute > 0 {
			r.Use(RateLimitByIP(cfg.RateLimitPerMinute))
		}
		r.Post("/logins", handler.HandleLogin)
		r.Post("/transactions", handler.HandleTransaction)
	})

	// Actor history
	router.Route("/actors/{actorID}", func(r chi.Router) {
		r.Get("/devices", handler.ListDevices)
		r.Get("/stats", handler.GetStats)
		r.Get("/suspicious", handler.ListSuspicious)
		r.Get("/recent", handler.ListRecent)
	})

	// Anomalies
	router.Get("/anomalies", handler.ListAnomalies)
	router.Get("/anomalies/top", handler.TopAnomalies)
	router.Get("/anomalies/{id}", handler.GetAnomaly)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
