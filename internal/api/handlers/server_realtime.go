package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/realtime"
)

type disconnectBody struct {
	Reason string `json:"reason"`
}

// Stream handles GET /ws. The connection is hijacked on upgrade, so a
// failure is logged rather than rendered.
func (s *Server) Stream(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	if err := s.hub.ServeWS(c.Writer, c.Request, userID); err != nil {
		logger.FromContext(c.Request.Context()).Warn("WebSocket upgrade failed", zap.Error(err))
		c.Abort()
	}
}

// ForceDisconnect handles POST /admin/sessions/{user_id}/disconnect.
func (s *Server) ForceDisconnect(c *gin.Context) {
	if _, ok := callerID(c); !ok {
		return
	}
	var body disconnectBody
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = realtime.ReasonAdmin
	}

	target := c.Param("user_id")
	local := s.hub.Disconnect(c.Request.Context(), target, body.Reason)
	if !local && !s.hub.FanoutEnabled() {
		fail(c, apperrors.NotFound(apperrors.CodeSessionNotFound, "no live session for user").
			WithParams(map[string]interface{}{"user_id": target}))
		return
	}
	logger.FromContext(c.Request.Context()).Info("Session disconnect requested",
		zap.String("target_user_id", target),
		zap.Bool("local", local),
	)
	c.JSON(http.StatusAccepted, gin.H{"user_id": target, "local": local})
}
