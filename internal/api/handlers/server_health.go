package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const readinessTimeout = 3 * time.Second

type healthResponse struct {
	Status   string                 `json:"status"`
	Checks   map[string]string      `json:"checks,omitempty"`
	Pools    map[string]interface{} `json:"pools,omitempty"`
	Sessions int                    `json:"sessions"`
}

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// GetReadiness handles GET /health/ready. Any failing check degrades the
// instance and answers 503.
func (s *Server) GetReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	httpStatus := http.StatusOK
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			resp.Checks[name] = "error"
			resp.Status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	if s.pools != nil {
		resp.Pools = s.pools.Metrics()
	}
	if s.hub != nil {
		resp.Sessions = s.hub.Sessions()
	}
	c.JSON(httpStatus, resp)
}
