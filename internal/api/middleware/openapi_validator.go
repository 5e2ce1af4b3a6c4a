package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/api/openapi"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// ValidatorOptions configures the OpenAPI middleware.
type ValidatorOptions struct {
	// BasePath is stripped before route lookup, e.g. "/api/v1".
	BasePath string
	// ValidateResponses buffers every documented response and replaces
	// non-conforming ones with a 500.
	ValidateResponses bool
}

// MustOpenAPIValidator creates the validator middleware and panics on setup failure.
func MustOpenAPIValidator(opts ValidatorOptions) gin.HandlerFunc {
	mw, err := NewOpenAPIValidator(opts)
	if err != nil {
		panic(fmt.Sprintf("init openapi validator: %v", err))
	}
	return mw
}

// JWT and RBAC run earlier in the chain; the contract's security schemes
// are documentation only here.
var skipAuthentication = &openapi3filter.Options{
	AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error { return nil },
}

// NewOpenAPIValidator validates requests, and optionally responses, against
// the embedded contract. Undocumented paths and websocket upgrades pass
// through untouched. Rejections are attached with c.Error so ErrorHandler
// renders them like any other AppError.
func NewOpenAPIValidator(opts ValidatorOptions) (gin.HandlerFunc, error) {
	doc, err := openapi.Load()
	if err != nil {
		return nil, err
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("create openapi router: %w", err)
	}
	basePath := normalizeBasePath(opts.BasePath)

	return func(c *gin.Context) {
		if isWebsocketUpgrade(c.Request) {
			c.Next()
			return
		}

		route, pathParams, err := findRoute(router, c.Request, basePath)
		switch {
		case isRouteError(err, routers.ErrPathNotFound):
			c.Next()
			return
		case isRouteError(err, routers.ErrMethodNotAllowed):
			_ = c.Error(apperrors.New(apperrors.CodeValidationFailed, "method not allowed", http.StatusMethodNotAllowed))
			c.Abort()
			return
		case err != nil:
			_ = c.Error(apperrors.Wrap(err, apperrors.CodeValidationFailed, "route lookup failed", http.StatusBadRequest))
			c.Abort()
			return
		}

		reqInput := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    skipAuthentication,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), reqInput); err != nil {
			_ = c.Error(requestValidationError(err))
			c.Abort()
			return
		}

		if !opts.ValidateResponses {
			c.Next()
			return
		}

		buffered := newBufferedResponseWriter(c.Writer)
		c.Writer = buffered
		c.Next()
		c.Writer = buffered.ResponseWriter
		if !buffered.Written() {
			// Nothing written: ErrorHandler renders the attached error.
			return
		}

		respInput := &openapi3filter.ResponseValidationInput{
			RequestValidationInput: reqInput,
			Status:                 buffered.Status(),
			Header:                 buffered.Header().Clone(),
			Options:                skipAuthentication,
		}
		respInput.SetBodyBytes(buffered.body.Bytes())
		if err := openapi3filter.ValidateResponse(c.Request.Context(), respInput); err != nil {
			logger.Error("OpenAPI response validation failed",
				zap.String("request_id", GetRequestID(c.Request.Context())),
				zap.String("method", c.Request.Method),
				zap.String("route", route.Path),
				zap.Int("status", buffered.Status()),
				zap.Error(err),
			)
			buffered.replace(apperrors.Internal(apperrors.CodeInternal, "response does not conform to the API contract"))
		}
		if err := buffered.flush(); err != nil {
			logger.Warn("Failed to flush validated response", zap.String("route", route.Path), zap.Error(err))
		}
	}, nil
}

// requestValidationError names the offending field when the validator
// reports one.
func requestValidationError(err error) *apperrors.AppError {
	appErr := apperrors.Wrap(err, apperrors.CodeValidationFailed, "request does not match the API contract", http.StatusBadRequest)

	field, reason := "", err.Error()
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		reason = reqErr.Reason
		switch {
		case reqErr.Parameter != nil:
			field = reqErr.Parameter.Name
		case reqErr.RequestBody != nil:
			field = "body"
		}
	}
	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if ptr := schemaErr.JSONPointer(); len(ptr) > 0 {
			field = strings.Join(ptr, ".")
		}
		reason = schemaErr.Reason
	}
	if field == "" {
		return appErr
	}
	return appErr.WithFieldErrors([]apperrors.FieldError{{
		Field:   field,
		Code:    apperrors.CodeValidationFailed,
		Message: reason,
	}})
}

// isRouteError matches the router sentinels, which some router versions
// return as fresh RouteError values carrying the same reason.
func isRouteError(err, sentinel error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sentinel) {
		return true
	}
	var routeErr *routers.RouteError
	return errors.As(err, &routeErr) && routeErr.Reason == sentinel.Error()
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func normalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" || basePath == "/" {
		return ""
	}
	return "/" + strings.Trim(basePath, "/")
}

// normalizeValidationPath maps a served path onto the contract's
// server-relative path.
func normalizeValidationPath(basePath, path string) string {
	switch {
	case basePath == "" && path == "":
		return "/"
	case basePath == "":
		return path
	case path == basePath:
		return "/"
	case strings.HasPrefix(path, basePath+"/"):
		return strings.TrimPrefix(path, basePath)
	default:
		return path
	}
}

// findRoute resolves the operation for r. The request URL is restored
// before returning.
func findRoute(router routers.Router, r *http.Request, basePath string) (*routers.Route, map[string]string, error) {
	origPath, origRawPath := r.URL.Path, r.URL.RawPath
	defer func() { r.URL.Path, r.URL.RawPath = origPath, origRawPath }()

	r.URL.Path = normalizeValidationPath(basePath, origPath)
	if origRawPath != "" {
		r.URL.RawPath = normalizeValidationPath(basePath, origRawPath)
	}
	return router.FindRoute(r)
}

// bufferedResponseWriter holds the handler's response until it has been
// checked against the contract.
type bufferedResponseWriter struct {
	gin.ResponseWriter
	body   bytes.Buffer
	status int
}

func newBufferedResponseWriter(w gin.ResponseWriter) *bufferedResponseWriter {
	return &bufferedResponseWriter{ResponseWriter: w}
}

func (w *bufferedResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *bufferedResponseWriter) WriteHeaderNow() {
	if w.status == 0 {
		w.status = http.StatusOK
	}
}

func (w *bufferedResponseWriter) Write(data []byte) (int, error) {
	w.WriteHeaderNow()
	return w.body.Write(data)
}

func (w *bufferedResponseWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *bufferedResponseWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *bufferedResponseWriter) Size() int { return w.body.Len() }

func (w *bufferedResponseWriter) Written() bool { return w.status != 0 }

func (w *bufferedResponseWriter) replace(appErr *apperrors.AppError) {
	w.status = appErr.HTTPStatus
	w.body.Reset()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(&w.body).Encode(appErr)
}

func (w *bufferedResponseWriter) flush() error {
	w.ResponseWriter.WriteHeader(w.Status())
	if w.body.Len() == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.body.Bytes())
	return err
}
