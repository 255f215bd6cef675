package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/burrowql/burrow/cfg"
	"github.com/burrowql/burrow/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.handleHealth)

	r.Route("/schema", func(r chi.Router) {
		r.Get("/version", handlers.handleSchemaVersion)
		r.Get("/inconsistent", handlers.handleInconsistent)
		r.Post("/metadata", handlers.handleSubmitMetadata)
	})

	r.Get("/livequery/stats", handlers.handleLiveQueryStats)
	r.Get("/events/queues", handlers.handleEventQueues)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// Server wraps the admin HTTP listener
type Server struct {
	httpServer *http.Server
}

// NewServer builds the admin server from configuration
func NewServer(handlers *Handlers) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.httpServer.Addr).Msg("Admin server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop gracefully shuts the listener down
func (s *Server) Stop(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}
