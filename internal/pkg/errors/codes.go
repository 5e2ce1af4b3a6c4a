package errors

// Error codes. Clients branch on the code, the message is informational.

// Notification error codes.
const (
	CodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	CodeInvalidCategory      = "INVALID_CATEGORY"
	CodeInvalidChannel       = "INVALID_CHANNEL"
	CodeInvalidPriority      = "INVALID_PRIORITY"
	CodeNotificationExpired  = "NOTIFICATION_EXPIRED"
)

// Acknowledgment error codes.
const (
	CodeInvalidAckAction = "INVALID_ACK_ACTION"
	CodeNotOwner         = "NOT_NOTIFICATION_OWNER"
)

// Preference and contact error codes.
const (
	CodeInvalidPreferences = "INVALID_PREFERENCES"
	CodeInvalidContact     = "INVALID_CONTACT"
)

// Experiment error codes.
const (
	CodeExperimentNotFound = "EXPERIMENT_NOT_FOUND"
)

// Session error codes.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
	CodeForbidden    = "FORBIDDEN"
)

// Validation and generic error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrNotificationNotFound creates a notification not found error.
func ErrNotificationNotFound(id string) *AppError {
	return NotFound(CodeNotificationNotFound, "notification not found").
		WithParams(map[string]interface{}{"notification_id": id})
}

// ErrInvalidRequestField creates a bad request error naming the offending field.
func ErrInvalidRequestField(field, reason string) *AppError {
	return BadRequest(CodeInvalidRequestField, field+": "+reason).
		WithFieldErrors([]FieldError{{Field: field, Code: CodeInvalidRequestField, Message: reason}})
}
