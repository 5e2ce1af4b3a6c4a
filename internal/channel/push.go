package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

// MessageWriter is the subset of *kafka.Writer the push adapter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// PushMessage is the record published to the push gateway topic, one per
// device.
type PushMessage struct {
	NotificationID string                 `json:"notification_id"`
	UserID         string                 `json:"user_id"`
	DeviceToken    string                 `json:"device_token"`
	Category       domain.Category        `json:"category"`
	Priority       domain.Priority        `json:"priority"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Data           map[string]interface{} `json:"data,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
}

// Push hands notifications to the push gateway through Kafka.
type Push struct {
	contacts  repository.ContactStore
	templates *Templates
	writer    MessageWriter
}

// NewPush creates the push adapter.
func NewPush(contacts repository.ContactStore, templates *Templates, writer MessageWriter) *Push {
	return &Push{contacts: contacts, templates: templates, writer: writer}
}

func (a *Push) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	contacts, res := lookupContacts(ctx, a.contacts, n.UserID)
	if res != nil {
		return *res
	}
	if len(contacts.DeviceTokens) == 0 {
		return Permanent("no registered devices")
	}

	msg, err := a.templates.Render(n, domain.ChannelPush)
	if err != nil {
		return Permanent("%v", err)
	}

	batch := make([]kafka.Message, 0, len(contacts.DeviceTokens))
	for _, token := range contacts.DeviceTokens {
		value, err := json.Marshal(PushMessage{
			NotificationID: n.ID,
			UserID:         n.UserID,
			DeviceToken:    token,
			Category:       n.Category,
			Priority:       n.Priority,
			Title:          msg.Subject,
			Body:           msg.Body,
			Data:           n.Payload,
			ExpiresAt:      n.ExpiresAt,
		})
		if err != nil {
			return Permanent("encode push message: %v", err)
		}
		batch = append(batch, kafka.Message{
			Key:   []byte(token),
			Value: value,
			Headers: []kafka.Header{
				{Key: "entry_id", Value: []byte(entry.ID)},
			},
		})
	}

	if err := a.writer.WriteMessages(ctx, batch...); err != nil {
		return Transient("publish to push gateway: %v", err)
	}
	return Delivered()
}
