package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/pkg/logger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	_ = logger.Init("error", "json")
}

func memoryConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:             8080,
			ShutdownTimeout:  5 * time.Second,
			AllowedOrigins:   []string{"http://localhost:3000"},
			AllowCredentials: true,
		},
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Log:      config.LogConfig{Level: "error", Format: "json"},
		River: config.RiverConfig{
			ExpirySweepInterval:   time.Minute,
			MetricsRollupInterval: time.Hour,
		},
		Worker: config.WorkerConfig{DispatchPoolSize: 4, GeneralPoolSize: 8},
		Dispatcher: config.DispatcherConfig{
			PollInterval:   50 * time.Millisecond,
			BatchSize:      10,
			LeaseDuration:  time.Minute,
			AdapterTimeout: time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			BackoffCap:     time.Minute,
		},
		Realtime: config.RealtimeConfig{HeartbeatTimeout: time.Minute, SendBuffer: 8},
		Security: config.SecurityConfig{
			JWTSecret: testSecret,
			JWTIssuer: "cardpilot",
			TokenTTL:  time.Hour,
		},
	}
}

func newMemoryApp(t *testing.T) *Application {
	t.Helper()
	app, err := Bootstrap(context.Background(), memoryConfig())
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	return app
}

func token(t *testing.T, userID string, perms ...string) string {
	t.Helper()
	cfg := middleware.JWTConfig{SigningKey: []byte(testSecret), Issuer: "cardpilot", ExpiresIn: time.Hour}
	tok, _, err := middleware.GenerateToken(cfg, userID, userID, nil, perms)
	require.NoError(t, err)
	return tok
}

func do(app *Application, method, path, body, tok string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	app.Router.ServeHTTP(w, req)
	return w
}

func TestBootstrap_NoDB(t *testing.T) {
	// Bootstrap without a reachable database should fail at DB connection.
	cfg := memoryConfig()
	cfg.Database = config.DatabaseConfig{
		Driver:   config.DriverPostgres,
		Host:     "localhost",
		Port:     65432, // Non-existent port
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
		MaxConns: 5,
		MinConns: 1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app, err := Bootstrap(ctx, cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app, "Application should be nil on bootstrap failure")
}

func TestBootstrap_MemoryDriver(t *testing.T) {
	app := newMemoryApp(t)

	names := make([]string, 0, len(app.Modules))
	for _, mod := range app.Modules {
		names = append(names, mod.Name())
	}
	assert.Equal(t, []string{"realtime", "delivery", "maintenance"}, names)
	assert.Nil(t, app.Infra.RiverClient())
}

func TestRouter_PublicRoutes(t *testing.T) {
	app := newMemoryApp(t)

	w := do(app, http.MethodGet, "/api/v1/health/live", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(app, http.MethodGet, "/api/v1/health/ready", "", "")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(app, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRouter_Authentication(t *testing.T) {
	app := newMemoryApp(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		token      string
		wantStatus int
	}{
		{name: "no token", method: http.MethodGet, path: "/api/v1/preferences", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", method: http.MethodGet, path: "/api/v1/preferences", token: "nope", wantStatus: http.StatusUnauthorized},
		{name: "user token", method: http.MethodGet, path: "/api/v1/preferences", token: token(t, "user-1"), wantStatus: http.StatusOK},
		{name: "stream without query token", method: http.MethodGet, path: "/api/v1/ws", wantStatus: http.StatusUnauthorized},
		{name: "admin route as user", method: http.MethodPost, path: "/api/v1/admin/sessions/user-1/disconnect", token: token(t, "user-1"), wantStatus: http.StatusForbidden},
		{name: "admin route as admin", method: http.MethodPost, path: "/api/v1/admin/sessions/user-1/disconnect", token: token(t, "ops", middleware.PermPlatformAdmin), wantStatus: http.StatusNotFound},
		{name: "log level as user", method: http.MethodGet, path: "/api/v1/admin/log-level", token: token(t, "user-1"), wantStatus: http.StatusForbidden},
		{name: "log level as admin", method: http.MethodGet, path: "/api/v1/admin/log-level", token: token(t, "ops", middleware.PermPlatformAdmin), wantStatus: http.StatusOK},
		{name: "openapi rejects missing fields", method: http.MethodPost, path: "/api/v1/notifications", body: `{"title":"x"}`, token: token(t, "producer", middleware.PermNotificationsWrite), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		w := do(app, tt.method, tt.path, tt.body, tt.token)
		assert.Equal(t, tt.wantStatus, w.Code, "%s: %s", tt.name, w.Body.String())
	}
}

func TestRouter_NotifyAndDeliverInApp(t *testing.T) {
	app := newMemoryApp(t)
	require.NoError(t, app.Start(context.Background()))

	producer := token(t, "producer", middleware.PermNotificationsWrite)
	body := `{"user_id":"user-1","category":"reward_milestone","title":"10k points","message":"Nice","priority":"medium","channels":["in_app"]}`
	w := do(app, http.MethodPost, "/api/v1/notifications", body, producer)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted struct {
		NotificationID string `json:"notification_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	user := token(t, "user-1")
	require.Eventually(t, func() bool {
		w := do(app, http.MethodGet, "/api/v1/inbox", "", user)
		var inbox struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
		}
		if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &inbox) != nil {
			return false
		}
		return len(inbox.Items) == 1 && inbox.Items[0].ID == accepted.NotificationID
	}, 5*time.Second, 20*time.Millisecond)

	w = do(app, http.MethodPost, "/api/v1/acks", `{"notification_id":"`+accepted.NotificationID+`","action":"read"}`, user)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestApplication_Shutdown_Nil(t *testing.T) {
	// Shutdown on empty application should not panic.
	app := &Application{}

	assert.NotPanics(t, func() {
		app.Shutdown()
	}, "Shutdown on empty Application should not panic")
}
