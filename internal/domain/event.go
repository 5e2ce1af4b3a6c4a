package domain

import (
	"fmt"
	"net/mail"
	"net/url"
	"time"
)

// Action is what happened to a notification in a history event.
type Action string

const (
	ActionCreated   Action = "created"
	ActionSent      Action = "sent"
	ActionDelivered Action = "delivered"
	ActionRead      Action = "read"
	ActionClicked   Action = "clicked"
	ActionDismissed Action = "dismissed"
	ActionExpired   Action = "expired"
	ActionFailed    Action = "failed"
)

// Actions lists every action in a stable order.
var Actions = []Action{
	ActionCreated, ActionSent, ActionDelivered, ActionRead,
	ActionClicked, ActionDismissed, ActionExpired, ActionFailed,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionSent, ActionDelivered, ActionRead,
		ActionClicked, ActionDismissed, ActionExpired, ActionFailed:
		return true
	}
	return false
}

// Once reports whether the ledger keeps at most one event per notification
// for this action. Acknowledgments and realtime delivery are retried by
// clients, so they are recorded idempotently.
func (a Action) Once() bool {
	switch a {
	case ActionDelivered, ActionRead, ActionClicked, ActionDismissed:
		return true
	}
	return false
}

// AckAction reports whether a client may acknowledge with this action.
func (a Action) AckAction() bool {
	return a == ActionRead || a == ActionClicked || a == ActionDismissed
}

// HistoryEvent is an append-only ledger record.
type HistoryEvent struct {
	ID             string                 `json:"id"`
	NotificationID string                 `json:"notification_id"`
	UserID         string                 `json:"user_id"`
	Category       Category               `json:"category"`
	Channel        Channel                `json:"channel,omitempty"`
	Action         Action                 `json:"action"`
	OccurredAt     time.Time              `json:"occurred_at"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// InboxItem is an in-app notification placed in a user's inbox.
type InboxItem struct {
	UserID         string     `json:"user_id"`
	NotificationID string     `json:"notification_id"`
	DeliveredAt    time.Time  `json:"delivered_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AckAction      Action     `json:"ack_action,omitempty"`
}

// InboxEntry joins an inbox item with its notification.
type InboxEntry struct {
	Item         InboxItem    `json:"item"`
	Notification Notification `json:"notification"`
}

// Contacts is the destination projection for a user, owned by the account
// service.
type Contacts struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	WebhookURL   string    `json:"webhook_url,omitempty"`
	DeviceTokens []string  `json:"device_tokens,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the format of each destination that is set.
func (c *Contacts) Validate() error {
	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err != nil {
			return fmt.Errorf("email: %w", err)
		}
	}
	if c.Phone != "" && !ValidE164(c.Phone) {
		return fmt.Errorf("phone: must be in E.164 form")
	}
	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("webhook_url: must be an absolute http(s) URL")
		}
	}
	for i, tok := range c.DeviceTokens {
		if tok == "" {
			return fmt.Errorf("device_tokens[%d]: must not be empty", i)
		}
	}
	return nil
}

// ValidE164 reports whether s is an E.164 number: a plus sign, a non-zero
// leading digit and 7 to 15 digits in total.
func ValidE164(s string) bool {
	if len(s) < 8 || len(s) > 16 || s[0] != '+' || s[1] == '0' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Assignment is a user's permanent experiment variant.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	Variant      string    `json:"variant"`
	AssignedAt   time.Time `json:"assigned_at"`
}
