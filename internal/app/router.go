package app

import (
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/pkg/metrics"
)

const apiBase = "/api/v1"

// Public routes that do NOT require JWT authentication.
var publicPrefixes = []string{
	apiBase + "/health/",
}

// publicExact are public routes matched exactly.
var publicExact = []string{
	"/metrics",
}

// adminPrefixes are routes that require platform:admin.
var adminPrefixes = []string{
	apiBase + "/admin/",
}

// streamPath authenticates with a query token; browsers cannot set headers
// on a websocket handshake.
const streamPath = apiBase + "/ws"

var defaultCORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

func newRouter(cfg *config.Config, server *handlers.Server, jwtCfg middleware.JWTConfig, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.New(buildCORSConfig(cfg)))
	router.Use(jwtSkipPublic(jwtCfg))
	router.Use(rbacAdminRoutes())

	router.GET("/metrics", gin.WrapH(m.Handler()))

	// GET reports the level, PUT {"level":"debug"} changes it.
	logLevel := gin.WrapH(logger.Level())
	router.GET(apiBase+"/admin/log-level", logLevel)
	router.PUT(apiBase+"/admin/log-level", logLevel)

	api := router.Group(apiBase)
	api.GET("/health/live", server.GetLiveness)
	api.GET("/health/ready", server.GetReadiness)

	validated := api.Group("", middleware.MustOpenAPIValidator(middleware.ValidatorOptions{
		BasePath:          apiBase,
		ValidateResponses: cfg.Server.ValidateResponses,
	}))
	server.Register(validated)
	return router
}

// buildCORSConfig derives the CORS policy. A wildcard origin is honoured
// only with UnsafeAllowAllOrigins, which also turns credentials off. An
// empty allowlist falls back to the local development origins.
func buildCORSConfig(cfg *config.Config) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	if cfg.Server.UnsafeAllowAllOrigins && slices.Contains(cfg.Server.AllowedOrigins, "*") {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
		return c
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	for _, o := range cfg.Server.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" || o == "*" {
			continue
		}
		origins = append(origins, o)
	}
	if len(origins) == 0 {
		origins = append(origins, defaultCORSOrigins...)
	}
	c.AllowOrigins = origins
	return c
}

func isPublic(path string) bool {
	if slices.Contains(publicExact, path) {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public
// routes. The stream route takes its token from the query string.
func jwtSkipPublic(cfg middleware.JWTConfig) gin.HandlerFunc {
	headerAuth := middleware.JWTAuth(cfg)
	queryAuth := middleware.QueryTokenAuth(cfg)
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		switch {
		case c.Request.Method == "OPTIONS" || isPublic(path):
			c.Next()
		case path == streamPath && c.GetHeader("Authorization") == "":
			queryAuth(c)
		default:
			headerAuth(c)
		}
	}
}

// rbacAdminRoutes returns middleware enforcing platform:admin on admin endpoints.
func rbacAdminRoutes() gin.HandlerFunc {
	adminMw := middleware.RequirePermission(middleware.PermPlatformAdmin)
	return func(c *gin.Context) {
		for _, prefix := range adminPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				adminMw(c)
				return
			}
		}
		c.Next()
	}
}
