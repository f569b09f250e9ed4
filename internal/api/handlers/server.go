// Package handlers implements the keysync admin API: health probes,
// provider status, manual sync triggers, the inbound event webhook and
// runtime log level control.
package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"keysync.io/keysync/internal/api/middleware"
	"keysync.io/keysync/internal/engine"
	"keysync.io/keysync/internal/events"
	"keysync.io/keysync/internal/pkg/logger"
)

// Server holds the admin API dependencies.
type Server struct {
	providers []*engine.Provider
	bus       *events.Bus
	pool      *pgxpool.Pool // nil when running without the queue database
}

// ServerDeps holds all dependencies for creating a Server. Manual DI,
// wired at the composition root.
type ServerDeps struct {
	Providers []*engine.Provider
	Bus       *events.Bus
	Pool      *pgxpool.Pool
}

// NewServer creates the admin API server.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		providers: deps.Providers,
		bus:       deps.Bus,
		pool:      deps.Pool,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())

	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/providers", s.ListProviders)
		v1.POST("/providers/:id/sync", s.TriggerSync)
		v1.POST("/events", s.PublishEvent)
		v1.Any("/log-level", gin.WrapH(logger.HTTPHandler()))
	}
	return r
}

// provider looks up a provider by its configured id.
func (s *Server) provider(id string) *engine.Provider {
	for _, p := range s.providers {
		if p.ID() == id {
			return p
		}
	}
	return nil
}
