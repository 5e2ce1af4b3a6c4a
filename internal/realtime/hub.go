// Package realtime pushes in-app notifications to connected clients over
// websockets.
//
// A user has at most one live session across the fleet. When Redis is
// configured, publications and disconnects travel through a pub/sub channel
// so that the instance holding the session delivers them; otherwise the hub
// only reaches sessions connected to this process.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/pkg/metrics"
	"cardpilot.io/notifier/internal/pkg/worker"
	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/pkg/realtimeclient"
)

// Disconnect reasons.
const (
	ReasonSuperseded = "superseded"
	ReasonAdmin      = "disconnected by administrator"
)

const (
	backlogLimit  = 500
	maxFrameBytes = 4096
	recordTimeout = 5 * time.Second
)

// Config holds session tunables.
type Config struct {
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
	// AllowedOrigins restricts browser upgrades. Empty or "*" allows any.
	AllowedOrigins []string
}

// Fanout carries hub envelopes between instances.
type Fanout interface {
	Publish(ctx context.Context, env Envelope) error
}

// Hub tracks live sessions by user.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	inbox      repository.InboxStore
	ledger     *ledger.Ledger
	acks       *AckProcessor
	cfg        Config
	upgrader   websocket.Upgrader
	fanout     Fanout
	instanceID string
	pools      *worker.Pools
	metrics    *metrics.Metrics
	log        *zap.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithFanout routes publications through f.
func WithFanout(f Fanout) Option {
	return func(h *Hub) { h.fanout = f }
}

// WithPools runs backlog replay and fan-out publishing on the general pool.
func WithPools(p *worker.Pools) Option {
	return func(h *Hub) { h.pools = p }
}

// WithMetrics records session and drop counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a Hub.
func NewHub(inbox repository.InboxStore, l *ledger.Ledger, acks *AckProcessor, cfg Config, opts ...Option) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = time.Minute
	}
	h := &Hub{
		sessions:   make(map[string]*Session),
		inbox:      inbox,
		ledger:     l,
		acks:       acks,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		log:        logger.Named("realtime"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InstanceID identifies this hub on the fan-out channel.
func (h *Hub) InstanceID() string {
	return h.instanceID
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeWS upgrades the request and runs the session until it ends. The
// caller must have authenticated userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.Serve(r.Context(), conn, userID)
	return nil
}

// Serve runs a session on an upgraded connection. It returns when the
// session is closed.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, userID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := newSession(h, conn, userID)
	h.register(ctx, s)
	defer h.unregister(s)

	s.enqueue(outbound{frame: realtimeclient.Frame{
		Type:      realtimeclient.FrameWelcome,
		SessionID: s.ID,
		UserID:    userID,
	}})

	go s.writeLoop()
	s.readLoop(ctx)
	s.close()
}

func (h *Hub) register(ctx context.Context, s *Session) {
	h.mu.Lock()
	old := h.sessions[s.UserID]
	h.sessions[s.UserID] = s
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RealtimeSessions.Inc()
	}
	if old != nil {
		old.ForceDisconnect(ReasonSuperseded)
	}
	if h.fanout != nil {
		h.broadcast(ctx, Envelope{Kind: EnvelopeSupersede, UserID: s.UserID, SessionID: s.ID})
	}
	h.log.Info("Realtime session opened",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.Bool("superseded_local", old != nil),
	)
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if h.sessions[s.UserID] == s {
		delete(h.sessions, s.UserID)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RealtimeSessions.Dec()
	}
	h.log.Info("Realtime session closed",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
	)
}

func (h *Hub) session(userID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[userID]
}

// Sessions returns the number of sessions on this instance.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish pushes n to its user's live session. It never blocks on the
// session; a full buffer drops the frame and the client catches up from
// the inbox.
func (h *Hub) Publish(ctx context.Context, n *domain.Notification) {
	if h.fanout == nil {
		h.deliverLocal(n)
		return
	}
	h.broadcast(ctx, Envelope{Kind: EnvelopeNotification, UserID: n.UserID, Notification: n})
}

// Disconnect force-closes userID's session with reason. It reports whether
// a session was found on this instance; with fan-out the request also
// reaches other instances.
func (h *Hub) Disconnect(ctx context.Context, userID, reason string) bool {
	found := h.disconnectLocal(userID, "", reason)
	if h.fanout != nil {
		h.broadcast(ctx, Envelope{Kind: EnvelopeDisconnect, UserID: userID, Reason: reason})
	}
	return found
}

// FanoutEnabled reports whether publications cross instances.
func (h *Hub) FanoutEnabled() bool {
	return h.fanout != nil
}

// disconnectLocal kicks the user's session unless its id is keep.
func (h *Hub) disconnectLocal(userID, keep, reason string) bool {
	h.mu.Lock()
	s := h.sessions[userID]
	if s == nil || s.ID == keep {
		h.mu.Unlock()
		return false
	}
	delete(h.sessions, userID)
	h.mu.Unlock()

	s.ForceDisconnect(reason)
	return true
}

func (h *Hub) deliverLocal(n *domain.Notification) bool {
	s := h.session(n.UserID)
	if s == nil || !s.subscribed.Load() {
		return false
	}
	return s.pushNotification(n)
}

func (h *Hub) dropped(s *Session, frameType string) {
	if h.metrics != nil {
		h.metrics.RealtimeDropped.Inc()
	}
	h.log.Warn("Realtime frame dropped: send buffer full",
		zap.String("session_id", s.ID),
		zap.String("user_id", s.UserID),
		zap.String("frame", frameType),
	)
}

// broadcast publishes env on the fan-out channel, on the general pool when
// one is configured.
func (h *Hub) broadcast(ctx context.Context, env Envelope) {
	env.Origin = h.instanceID
	publish := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if err := h.fanout.Publish(ctx, env); err != nil {
			h.log.Warn("Realtime fan-out publish failed",
				zap.String("kind", env.Kind),
				zap.String("user_id", env.UserID),
				zap.Error(err),
			)
			if env.Kind == EnvelopeNotification && env.Notification != nil {
				h.deliverLocal(env.Notification)
			}
		}
	}
	if h.pools == nil {
		publish(context.WithoutCancel(ctx))
		return
	}
	if err := h.pools.SubmitDetached(worker.PoolGeneral, publish); err != nil {
		h.log.Warn("Realtime fan-out not submitted", zap.String("kind", env.Kind), zap.Error(err))
	}
}

// HandleEnvelope applies an envelope received from the fan-out channel.
func (h *Hub) HandleEnvelope(env Envelope) {
	switch env.Kind {
	case EnvelopeNotification:
		if env.Notification != nil {
			h.deliverLocal(env.Notification)
		}
	case EnvelopeSupersede:
		if env.Origin != h.instanceID {
			h.disconnectLocal(env.UserID, env.SessionID, ReasonSuperseded)
		}
	case EnvelopeDisconnect:
		if env.Origin != h.instanceID {
			h.disconnectLocal(env.UserID, "", env.Reason)
		}
	default:
		h.log.Warn("Unknown realtime envelope", zap.String("kind", env.Kind))
	}
}

// replay pushes the user's unacknowledged inbox, oldest first.
func (h *Hub) replay(ctx context.Context, s *Session) {
	task := func(ctx context.Context) {
		entries, err := h.inbox.ListUnacknowledged(ctx, s.UserID, backlogLimit)
		if err != nil {
			h.log.Error("Inbox replay failed",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.Error(err),
			)
			return
		}
		for i := len(entries) - 1; i >= 0; i-- {
			n := entries[i].Notification
			s.pushNotification(&n)
		}
		h.log.Debug("Inbox replayed",
			zap.String("session_id", s.ID),
			zap.Int("items", len(entries)),
		)
	}
	if h.pools == nil {
		task(ctx)
		return
	}
	if err := h.pools.General.Submit(ctx, task); err != nil {
		h.log.Warn("Inbox replay not submitted", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// recordDelivered appends the delivered event once per notification.
func (h *Hub) recordDelivered(n *domain.Notification) {
	if h.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	_, err := h.ledger.RecordOnce(ctx, &domain.HistoryEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Category:       n.Category,
		Channel:        domain.ChannelInApp,
		Action:         domain.ActionDelivered,
	})
	if err != nil {
		h.log.Error("Record delivered event failed",
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
	}
}

func notificationFrame(n *domain.Notification) (realtimeclient.Frame, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return realtimeclient.Frame{}, err
	}
	return realtimeclient.Frame{
		Type:           realtimeclient.FrameNotification,
		NotificationID: n.ID,
		Data:           data,
	}, nil
}
