package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeNotificationNotFound, "notification not found", http.StatusNotFound),
			want: "NOTIFICATION_NOT_FOUND: notification not found",
		},
		{
			name: "with wrapped error",
			err:  Wrap(fmt.Errorf("connection reset"), CodeInternal, "store failure", http.StatusInternalServerError),
			want: "INTERNAL_ERROR: store failure: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	assert.True(t, errors.Is(appErr, inner))
}

func TestIsAppError(t *testing.T) {
	wrapped := fmt.Errorf("wrapped: %w", ErrNotificationNotFound("n-1"))

	got, ok := IsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeNotificationNotFound, got.Code)
	assert.Equal(t, "n-1", got.Params["notification_id"])
}

func TestFromError(t *testing.T) {
	plain := errors.New("boom")
	got := FromError(plain)
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, http.StatusInternalServerError, got.HTTPStatus)
	assert.ErrorIs(t, got, plain)

	forbidden := Forbidden(CodeForbidden, "nope")
	assert.Same(t, forbidden, FromError(fmt.Errorf("ctx: %w", forbidden)))
}

func TestErrInvalidRequestField(t *testing.T) {
	err := ErrInvalidRequestField("channels", "unknown channel \"fax\"")
	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
	require.Len(t, err.FieldErrors, 1)
	assert.Equal(t, "channels", err.FieldErrors[0].Field)
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Unauthorized", Unauthorized("UA", "unauthorized"), http.StatusUnauthorized},
		{"Forbidden", Forbidden("FB", "forbidden"), http.StatusForbidden},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
		{"Internal", Internal("IE", "internal"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
		})
	}
}
