package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/domain"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
)

// callerID returns the authenticated user, or fails the request with 401.
func callerID(c *gin.Context) (string, bool) {
	actor := middleware.GetUserID(c.Request.Context())
	if strings.TrimSpace(actor) == "" {
		fail(c, apperrors.Unauthorized(apperrors.CodeAuthFailed, "not authenticated"))
		return "", false
	}
	return actor, true
}

// requirePermission enforces a global permission. Fail-closed: no
// authenticated caller is 401, a missing permission is 403.
func requirePermission(c *gin.Context, permission string) bool {
	if _, ok := callerID(c); !ok {
		return false
	}
	if !middleware.HasPermission(c, permission) {
		fail(c, apperrors.Forbidden(apperrors.CodeForbidden, "insufficient permissions"))
		return false
	}
	return true
}

// fail hands err to the ErrorHandler middleware and stops the chain.
func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// bindJSON decodes the request body, failing with VALIDATION_FAILED.
func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		if errors.Is(err, domain.ErrUnknownPriority) {
			fail(c, apperrors.BadRequest(apperrors.CodeInvalidPriority, "priority must be low, medium, high or urgent"))
			return false
		}
		fail(c, apperrors.Wrap(err, apperrors.CodeValidationFailed, "request body is not valid JSON for this operation", http.StatusBadRequest))
		return false
	}
	return true
}
