package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/notification"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// notifyBody is a notify request. UserIDs fans the same fact out to several
// users; UserID is ignored when it is set.
type notifyBody struct {
	notification.Request
	UserIDs []string `json:"user_ids,omitempty"`
}

type scheduleBody struct {
	Channels    []domain.Channel `json:"channels"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
}

// Notify handles POST /notifications.
func (s *Server) Notify(c *gin.Context) {
	if !requirePermission(c, middleware.PermNotificationsWrite) {
		return
	}
	var body notifyBody
	if !bindJSON(c, &body) {
		return
	}
	ctx := c.Request.Context()

	if len(body.UserIDs) == 0 {
		n, err := s.notifications.Notify(ctx, body.Request)
		if err != nil {
			fail(c, apperrors.FromError(err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"notification_id": n.ID})
		return
	}

	// Validate once so a bad fact is a 400 rather than N rejections.
	probe := body.Request
	probe.UserID = body.UserIDs[0]
	if err := probe.Validate(s.now().UTC()); err != nil {
		fail(c, err)
		return
	}
	ids, err := s.notifications.NotifyMany(ctx, body.UserIDs, body.Request)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("Bulk notify partially rejected",
			zap.Int("requested", len(body.UserIDs)),
			zap.Int("accepted", len(ids)),
			zap.Error(err),
		)
	}
	c.JSON(http.StatusAccepted, gin.H{
		"notification_ids": ids,
		"rejected":         len(body.UserIDs) - len(ids),
	})
}

// CancelNotification handles DELETE /notifications/{id}.
func (s *Server) CancelNotification(c *gin.Context) {
	if !requirePermission(c, middleware.PermNotificationsWrite) {
		return
	}
	id := c.Param("id")
	cancelled, err := s.notifications.Cancel(c.Request.Context(), id)
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification_id": id, "cancelled": cancelled})
}

// ScheduleNotification handles POST /notifications/{id}/schedule.
func (s *Server) ScheduleNotification(c *gin.Context) {
	if !requirePermission(c, middleware.PermNotificationsWrite) {
		return
	}
	var body scheduleBody
	if !bindJSON(c, &body) {
		return
	}
	var at time.Time
	if body.ScheduledAt != nil {
		at = *body.ScheduledAt
	}
	entries, err := s.notifications.Schedule(c.Request.Context(), c.Param("id"), body.Channels, at)
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusCreated, deliveryList{Items: entries})
}

// ListDeliveries handles GET /notifications/{id}/deliveries.
func (s *Server) ListDeliveries(c *gin.Context) {
	if !requirePermission(c, middleware.PermNotificationsWrite) {
		return
	}
	entries, err := s.notifications.Deliveries(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, deliveryList{Items: entries})
}
