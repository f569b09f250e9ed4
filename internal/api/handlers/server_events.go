package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"keysync.io/keysync/internal/engine"
	apperrors "keysync.io/keysync/internal/pkg/errors"
)

// PublishEvent handles POST /api/v1/events: the inbound webhook for
// directory admin events. The event is published to the bus and
// dispatched synchronously to every subscribed provider.
func (s *Server) PublishEvent(c *gin.Context) {
	var env engine.EventEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.Error(apperrors.Wrap(err, apperrors.CodeEventInvalid,
			"malformed event envelope", http.StatusBadRequest))
		return
	}
	if env.Topic == "" || env.Payload.Type == "" {
		c.Error(apperrors.BadRequest(apperrors.CodeEventInvalid,
			"event envelope requires topic and eventPayload.type"))
		return
	}

	s.bus.Publish(c.Request.Context(), env)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
