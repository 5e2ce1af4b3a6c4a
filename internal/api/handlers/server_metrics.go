package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/experiment"
	"cardpilot.io/notifier/internal/ledger"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
)

type assignBody struct {
	UserID string `json:"user_id"`
}

// NotificationMetrics handles GET /metrics/notifications. Callers without
// metrics:read only see their own numbers.
func (s *Server) NotificationMetrics(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	f, err := metricsFilter(c)
	if err != nil {
		fail(c, err)
		return
	}
	if !middleware.HasPermission(c, middleware.PermMetricsRead) {
		if f.UserID != "" && f.UserID != userID {
			fail(c, apperrors.Forbidden(apperrors.CodeForbidden, "metrics of other users require metrics:read"))
			return
		}
		f.UserID = userID
	}

	report, err := s.ledger.Metrics(c.Request.Context(), f)
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, report)
}

func metricsFilter(c *gin.Context) (ledger.MetricsFilter, error) {
	f := ledger.MetricsFilter{
		UserID:   c.Query("user_id"),
		Category: domain.Category(c.Query("category")),
		Channel:  domain.Channel(c.Query("channel")),
	}
	if f.Category != "" && !f.Category.Valid() {
		return f, apperrors.BadRequest(apperrors.CodeInvalidCategory, "unknown category")
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return f, apperrors.BadRequest(apperrors.CodeInvalidChannel, "unknown channel")
	}

	var err error
	if f.From, err = parseTimeParam(c.Query("from")); err != nil {
		return f, apperrors.ErrInvalidRequestField("from", "must be an RFC 3339 timestamp")
	}
	if f.To, err = parseTimeParam(c.Query("to")); err != nil {
		return f, apperrors.ErrInvalidRequestField("to", "must be an RFC 3339 timestamp")
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, apperrors.ErrInvalidRequestField("from", "must precede to")
	}
	return f, nil
}

// AssignVariant handles POST /experiments/{experiment_id}/assignments.
// The body may name another user; assigning for someone else requires
// notifications:write.
func (s *Server) AssignVariant(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	var body assignBody
	if c.Request.ContentLength > 0 && !bindJSON(c, &body) {
		return
	}
	if body.UserID != "" && body.UserID != userID {
		if !requirePermission(c, middleware.PermNotificationsWrite) {
			return
		}
		userID = body.UserID
	}

	experimentID := c.Param("experiment_id")
	if s.assigner == nil {
		fail(c, apperrors.NotFound(apperrors.CodeExperimentNotFound, "experiments are not configured"))
		return
	}
	a, err := s.assigner.Assign(c.Request.Context(), experimentID, userID)
	if errors.Is(err, experiment.ErrUnknownExperiment) {
		fail(c, apperrors.NotFound(apperrors.CodeExperimentNotFound, "experiment not found").
			WithParams(map[string]interface{}{"experiment_id": experimentID}))
		return
	}
	if err != nil {
		fail(c, apperrors.FromError(err))
		return
	}
	c.JSON(http.StatusOK, a)
}
