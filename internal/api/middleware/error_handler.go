// Package middleware provides the HTTP middleware of the notifier API.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error.
// AppErrors keep their status and code; anything else becomes a 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		log := logger.FromContext(c.Request.Context())

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			fields := []zap.Field{
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
			}
			if appErr.Err != nil {
				fields = append(fields, zap.Error(appErr.Err))
			}
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				log.Error("Request failed", fields...)
			} else {
				log.Warn("Request rejected", fields...)
			}
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}

		log.Error("Unhandled request error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    apperrors.CodeInternal,
			"message": "An internal error occurred",
		})
	}
}
