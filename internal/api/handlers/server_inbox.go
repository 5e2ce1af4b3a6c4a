package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cardpilot.io/notifier/internal/domain"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
)

type ackBody struct {
	NotificationID string        `json:"notification_id"`
	Action         domain.Action `json:"action"`
}

// ListInbox handles GET /inbox: the caller's unacknowledged in-app
// notifications, newest first.
func (s *Server) ListInbox(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	entries, err := s.users.ListUnacknowledged(c.Request.Context(), userID, inboxLimit(c.Query("limit")))
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, inboxToAPI(entries))
}

// Acknowledge handles POST /acks, the HTTP twin of the socket ack frame.
func (s *Server) Acknowledge(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var body ackBody
	if !bindJSON(c, &body) {
		return
	}
	res, err := s.acks.Ack(c.Request.Context(), userID, body.NotificationID, body.Action)
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, res)
}
