package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"keysync.io/keysync/internal/engine"
	apperrors "keysync.io/keysync/internal/pkg/errors"
	"keysync.io/keysync/internal/pkg/logger"
)

// ListProviders handles GET /api/v1/providers.
func (s *Server) ListProviders(c *gin.Context) {
	statuses := make([]engine.Status, 0, len(s.providers))
	for _, p := range s.providers {
		statuses = append(statuses, p.Status())
	}
	c.JSON(http.StatusOK, gin.H{"providers": statuses})
}

// TriggerSync handles POST /api/v1/providers/:id/sync. The sync runs
// in the background; the response only acknowledges the trigger.
func (s *Server) TriggerSync(c *gin.Context) {
	id := c.Param("id")
	p := s.provider(id)
	if p == nil {
		c.Error(apperrors.NotFound(apperrors.CodeProviderNotFound,
			"no provider with id "+id))
		return
	}

	// The sync outlives the request; the provider's refresh gate
	// coalesces repeated triggers.
	if !p.TriggerRefresh(context.WithoutCancel(c.Request.Context())) {
		c.JSON(http.StatusConflict, gin.H{"provider": id, "status": "sync already running"})
		return
	}

	logger.Info("manual sync triggered",
		zap.String("provider", id),
		zap.String("request_id", c.Writer.Header().Get("X-Request-ID")),
	)
	c.JSON(http.StatusAccepted, gin.H{"provider": id, "status": "sync started"})
}
