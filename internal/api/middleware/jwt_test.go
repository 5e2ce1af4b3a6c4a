package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "cardpilot.io/notifier/internal/pkg/errors"
)

var testJWT = JWTConfig{
	SigningKey: []byte("test-signing-key-1234567890123456"),
	Issuer:     "cardpilot",
	ExpiresIn:  time.Hour,
}

func TestJWTConfigValidateToken_Success(t *testing.T) {
	token, expiresAt, err := GenerateToken(testJWT, "u-1", "alice", []string{"producer"}, []string{PermNotificationsWrite})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := testJWT.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, []string{PermNotificationsWrite}, claims.Permissions)
	assert.NotEmpty(t, claims.ID)
}

func TestJWTConfigValidateToken_Rejects(t *testing.T) {
	valid, _, err := GenerateToken(testJWT, "u-1", "alice", nil, nil)
	require.NoError(t, err)

	expired, _, err := GenerateToken(JWTConfig{SigningKey: testJWT.SigningKey, Issuer: testJWT.Issuer, ExpiresIn: -time.Minute}, "u-1", "alice", nil, nil)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "u-1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		cfg     JWTConfig
		token   string
		wantErr error
	}{
		{"wrong issuer", JWTConfig{SigningKey: testJWT.SigningKey, Issuer: "other"}, valid, jwt.ErrTokenInvalidIssuer},
		{"wrong key", JWTConfig{SigningKey: []byte("another-key-123456789012345678901"), Issuer: testJWT.Issuer}, valid, jwt.ErrTokenSignatureInvalid},
		{"expired", testJWT, expired, jwt.ErrTokenExpired},
		{"alg none", testJWT, unsigned, jwt.ErrTokenSignatureInvalid},
		{"garbage", testJWT, "not-a-token", jwt.ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.ValidateToken(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func authedRouter(mw gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(mw)
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":  GetUserID(c.Request.Context()),
			"ctx_user": c.GetString("user_id"),
		})
	})
	return router
}

func TestJWTAuth(t *testing.T) {
	token, _, err := GenerateToken(testJWT, "u-1", "alice", nil, nil)
	require.NoError(t, err)
	expired, _, err := GenerateToken(JWTConfig{SigningKey: testJWT.SigningKey, Issuer: testJWT.Issuer, ExpiresIn: -time.Minute}, "u-1", "alice", nil, nil)
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantErr  string
	}{
		{"valid bearer", "Bearer " + token, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + token, http.StatusOK, ""},
		{"missing header", "", http.StatusUnauthorized, apperrors.CodeAuthFailed},
		{"basic scheme", "Basic abc", http.StatusUnauthorized, apperrors.CodeAuthFailed},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, apperrors.CodeTokenExpired},
		{"invalid", "Bearer nope", http.StatusUnauthorized, apperrors.CodeTokenInvalid},
	}
	router := authedRouter(JWTAuth(testJWT))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, body["code"])
				return
			}
			assert.Equal(t, "u-1", body["user_id"])
			assert.Equal(t, "u-1", body["ctx_user"])
		})
	}
}

func TestQueryTokenAuth(t *testing.T) {
	token, _, err := GenerateToken(testJWT, "u-2", "bob", nil, nil)
	require.NoError(t, err)
	router := authedRouter(QueryTokenAuth(testJWT))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"u-2"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
