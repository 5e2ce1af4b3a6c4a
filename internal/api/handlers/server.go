// Package handlers implements the notifier HTTP API.
//
// Handlers report failures with c.Error and an *apperrors.AppError; the
// ErrorHandler middleware renders them.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"cardpilot.io/notifier/internal/experiment"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/notification"
	"cardpilot.io/notifier/internal/pkg/worker"
	"cardpilot.io/notifier/internal/realtime"
	"cardpilot.io/notifier/internal/repository"
)

// UserStore holds the per-user records the API reads and writes directly.
type UserStore interface {
	repository.PreferenceStore
	repository.ContactStore
	repository.InboxStore
}

// HealthCheck probes one dependency for the readiness endpoint.
type HealthCheck func(ctx context.Context) error

// Server implements all API handlers.
type Server struct {
	notifications *notification.Service
	users         UserStore
	ledger        *ledger.Ledger
	assigner      *experiment.Assigner
	hub           *realtime.Hub
	acks          *realtime.AckProcessor
	pools         *worker.Pools
	checks        map[string]HealthCheck
	now           func() time.Time
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Notifications *notification.Service
	Users         UserStore
	Ledger        *ledger.Ledger
	Assigner      *experiment.Assigner // Optional: nil when no experiments are configured.
	Hub           *realtime.Hub
	Acks          *realtime.AckProcessor
	Pools         *worker.Pools // Optional: pool stats on readiness.
	HealthChecks  map[string]HealthCheck
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		notifications: deps.Notifications,
		users:         deps.Users,
		ledger:        deps.Ledger,
		assigner:      deps.Assigner,
		hub:           deps.Hub,
		acks:          deps.Acks,
		pools:         deps.Pools,
		checks:        deps.HealthChecks,
		now:           time.Now,
	}
}

// Register mounts the authenticated API routes on api. Authentication and
// the admin gate are applied by the caller.
func (s *Server) Register(api gin.IRouter) {
	api.POST("/notifications", s.Notify)
	api.DELETE("/notifications/:id", s.CancelNotification)
	api.POST("/notifications/:id/schedule", s.ScheduleNotification)
	api.GET("/notifications/:id/deliveries", s.ListDeliveries)

	api.GET("/preferences", s.GetPreferences)
	api.PUT("/preferences", s.UpdatePreferences)
	api.GET("/contacts", s.GetContacts)
	api.PUT("/contacts", s.UpdateContacts)

	api.GET("/inbox", s.ListInbox)
	api.POST("/acks", s.Acknowledge)

	api.GET("/metrics/notifications", s.NotificationMetrics)
	api.POST("/experiments/:experiment_id/assignments", s.AssignVariant)

	api.GET("/ws", s.Stream)
	api.POST("/admin/sessions/:user_id/disconnect", s.ForceDisconnect)
}
