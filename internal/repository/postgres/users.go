package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cardpilot.io/notifier/internal/domain"
)

func (s *Store) GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error) {
	var doc []byte
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT document, updated_at FROM preferences WHERE user_id = $1`, userID,
	).Scan(&doc, &updatedAt)
	if err != nil {
		return nil, mapErr(err, "get preferences "+userID)
	}

	var p domain.Preferences
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode preferences %s: %w", userID, err)
	}
	p.UserID = userID
	p.UpdatedAt = updatedAt
	return &p, nil
}

func (s *Store) PutPreferences(ctx context.Context, p *domain.Preferences) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO preferences (user_id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		p.UserID, doc, p.UpdatedAt,
	)
	return mapErr(err, "put preferences")
}

func (s *Store) GetContacts(ctx context.Context, userID string) (*domain.Contacts, error) {
	var c domain.Contacts
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, email, phone, webhook_url, device_tokens, updated_at
		FROM user_contacts WHERE user_id = $1`, userID,
	).Scan(&c.UserID, &c.Email, &c.Phone, &c.WebhookURL, &c.DeviceTokens, &c.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "get contacts "+userID)
	}
	return &c, nil
}

func (s *Store) PutContacts(ctx context.Context, c *domain.Contacts) error {
	tokens := c.DeviceTokens
	if tokens == nil {
		tokens = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_contacts (user_id, email, phone, webhook_url, device_tokens, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			webhook_url = EXCLUDED.webhook_url,
			device_tokens = EXCLUDED.device_tokens,
			updated_at = EXCLUDED.updated_at`,
		c.UserID, c.Email, c.Phone, c.WebhookURL, tokens, c.UpdatedAt,
	)
	return mapErr(err, "put contacts")
}

func (s *Store) PutInboxItem(ctx context.Context, item *domain.InboxItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inbox_items (user_id, notification_id, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, notification_id) DO NOTHING`,
		item.UserID, item.NotificationID, item.DeliveredAt,
	)
	return mapErr(err, "put inbox item")
}

func (s *Store) ListUnacknowledged(ctx context.Context, userID string, limit int) ([]domain.InboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT i.delivered_at,
			n.id, n.user_id, n.category, n.title, n.message, n.payload, n.priority, n.created_at, n.expires_at
		FROM inbox_items i
		JOIN notifications n ON n.id = i.notification_id
		WHERE i.user_id = $1 AND i.acknowledged_at IS NULL
		ORDER BY i.delivered_at DESC, i.notification_id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []domain.InboxEntry
	for rows.Next() {
		var (
			deliveredAt time.Time
			category    string
			payload     []byte
			priority    int16
			n           domain.Notification
		)
		if err := rows.Scan(&deliveredAt, &n.ID, &n.UserID, &category, &n.Title, &n.Message,
			&payload, &priority, &n.CreatedAt, &n.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan inbox: %w", err)
		}
		n.Category = domain.Category(category)
		n.Priority = domain.Priority(priority)
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, domain.InboxEntry{
			Item:         domain.InboxItem{UserID: userID, NotificationID: n.ID, DeliveredAt: deliveredAt},
			Notification: n,
		})
	}
	return out, rows.Err()
}

func (s *Store) AcknowledgeInbox(ctx context.Context, userID, notificationID string, action domain.Action, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbox_items SET acknowledged_at = $3, ack_action = $4
		WHERE user_id = $1 AND notification_id = $2 AND acknowledged_at IS NULL`,
		userID, notificationID, at, string(action),
	)
	if err != nil {
		return false, fmt.Errorf("acknowledge inbox: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
