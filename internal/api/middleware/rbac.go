package middleware

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	apperrors "cardpilot.io/notifier/internal/pkg/errors"
)

// RequirePermission returns middleware that checks the authenticated caller
// holds permission. platform:admin satisfies every check.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if HasPermission(c, permission) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"code": apperrors.CodeForbidden, "message": "insufficient permissions",
		})
	}
}

// HasPermission reports whether the caller's token grants permission.
func HasPermission(c *gin.Context, permission string) bool {
	perms, exists := c.Get("permissions")
	if !exists {
		return false
	}
	permList, ok := perms.([]string)
	if !ok {
		return false
	}
	return slices.Contains(permList, PermPlatformAdmin) || slices.Contains(permList, permission)
}
