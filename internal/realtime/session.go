package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/pkg/realtimeclient"
)

type outbound struct {
	frame realtimeclient.Frame
	// notification is set for notification frames; a successful write
	// records it as delivered.
	notification *domain.Notification
}

// Session is one user's live connection. The read loop runs on the
// connection's handler goroutine and the write loop on its own goroutine;
// only the write loop writes to the connection.
type Session struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn
	send chan outbound
	kick chan string
	done chan struct{}

	closeOnce  sync.Once
	subscribed atomic.Bool
	maxVisible atomic.Int32
}

func newSession(h *Hub, conn *websocket.Conn, userID string) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan outbound, h.cfg.SendBuffer),
		kick:   make(chan string, 1),
		done:   make(chan struct{}),
	}
}

// ForceDisconnect sends a force_disconnect frame and closes the connection
// with CloseForceDisconnect. It does not wait for the send buffer.
func (s *Session) ForceDisconnect(reason string) {
	select {
	case s.kick <- reason:
	default:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// enqueue never blocks. It reports false when the frame was dropped.
func (s *Session) enqueue(out outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- out:
		return true
	default:
		s.hub.dropped(s, out.frame.Type)
		return false
	}
}

func (s *Session) pushNotification(n *domain.Notification) bool {
	frame, err := notificationFrame(n)
	if err != nil {
		s.hub.log.Error("Encode notification frame failed", zap.String("notification_id", n.ID), zap.Error(err))
		return false
	}
	return s.enqueue(outbound{frame: frame, notification: n})
}

func (s *Session) sendError(code, message string) {
	s.enqueue(outbound{frame: realtimeclient.Frame{
		Type:    realtimeclient.FrameError,
		Code:    code,
		Message: message,
	}})
}

func (s *Session) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.HeartbeatTimeout))
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameBytes)
	s.extendDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				realtimeclient.CloseForceDisconnect,
			) {
				s.hub.log.Debug("Realtime read ended",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
			}
			return
		}
		s.extendDeadline()

		var f realtimeclient.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.sendError(apperrors.CodeValidationFailed, "malformed frame")
			continue
		}
		s.handle(ctx, f)
	}
}

func (s *Session) handle(ctx context.Context, f realtimeclient.Frame) {
	switch f.Type {
	case realtimeclient.FrameSubscribe:
		if f.MaxVisible > 0 {
			s.maxVisible.Store(int32(f.MaxVisible))
		}
		s.subscribed.Store(true)
		s.hub.log.Debug("Realtime session subscribed",
			zap.String("session_id", s.ID),
			zap.Int32("max_visible", s.maxVisible.Load()),
		)
		s.hub.replay(ctx, s)

	case realtimeclient.FrameHeartbeat:
		s.enqueue(outbound{frame: realtimeclient.Frame{Type: realtimeclient.FrameHeartbeatAck}})

	case realtimeclient.FrameAck:
		if s.hub.acks == nil {
			s.sendError(apperrors.CodeInternal, "acknowledgments are not available")
			return
		}
		res, err := s.hub.acks.Ack(ctx, s.UserID, f.NotificationID, domain.Action(f.Action))
		if err != nil {
			appErr := apperrors.FromError(err)
			s.sendError(appErr.Code, appErr.Message)
			return
		}
		s.enqueue(outbound{frame: realtimeclient.Frame{
			Type:           realtimeclient.FrameAckResult,
			NotificationID: res.NotificationID,
			Action:         string(res.Action),
			Duplicate:      res.Duplicate,
		}})

	default:
		s.sendError(apperrors.CodeValidationFailed, "unknown frame type "+f.Type)
	}
}

func (s *Session) write(frame realtimeclient.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
	return s.conn.WriteJSON(frame)
}

func (s *Session) writeLoop() {
	defer s.close()
	for {
		select {
		case <-s.done:
			return

		case reason := <-s.kick:
			_ = s.write(realtimeclient.Frame{Type: realtimeclient.FrameForceDisconnect, Reason: reason})
			msg := websocket.FormatCloseMessage(realtimeclient.CloseForceDisconnect, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.hub.cfg.WriteTimeout))
			s.hub.log.Info("Realtime session force-disconnected",
				zap.String("session_id", s.ID),
				zap.String("user_id", s.UserID),
				zap.String("reason", reason),
			)
			return

		case out := <-s.send:
			if err := s.write(out.frame); err != nil {
				s.hub.log.Debug("Realtime write failed",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
				return
			}
			if out.notification != nil {
				s.hub.recordDelivered(out.notification)
			}
		}
	}
}
