package realtimeclient

import (
	"encoding/json"
	"time"
)

// Frame types sent by clients.
const (
	FrameSubscribe = "subscribe"
	FrameHeartbeat = "heartbeat"
	FrameAck       = "ack"
)

// Frame types sent by the server.
const (
	FrameWelcome         = "welcome"
	FrameNotification    = "notification"
	FrameAckResult       = "ack_result"
	FrameHeartbeatAck    = "heartbeat_ack"
	FrameForceDisconnect = "force_disconnect"
	FrameError           = "error"
)

// CloseForceDisconnect is the websocket close code that tells a client not
// to reconnect.
const CloseForceDisconnect = 4001

// Frame is the single JSON envelope used in both directions. Only the fields
// relevant to Type are set.
type Frame struct {
	Type string `json:"type"`

	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	MaxVisible int    `json:"max_visible,omitempty"`

	NotificationID string `json:"notification_id,omitempty"`
	Action         string `json:"action,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`

	Reason  string `json:"reason,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// Notification is the client view of a pushed notification.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Category  string                 `json:"category"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  Priority               `json:"priority"`
	CreatedAt time.Time              `json:"created_at"`
}

// Priority orders notifications in the visible set. It decodes from the
// server's text form.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[string]Priority{
	"low":    PriorityLow,
	"medium": PriorityMedium,
	"high":   PriorityHigh,
	"urgent": PriorityUrgent,
}

// UnmarshalText accepts the priority name. Unknown names decode as low.
func (p *Priority) UnmarshalText(b []byte) error {
	if v, ok := priorityNames[string(b)]; ok {
		*p = v
		return nil
	}
	*p = PriorityLow
	return nil
}

func (p Priority) MarshalText() ([]byte, error) {
	for name, v := range priorityNames {
		if v == p {
			return []byte(name), nil
		}
	}
	return []byte("low"), nil
}
