package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/ledger"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/repository"
)

// AckStore is the persistence an acknowledgment touches.
type AckStore interface {
	repository.NotificationStore
	repository.QueueStore
	repository.InboxStore
}

// AckResult reports how an acknowledgment was applied.
type AckResult struct {
	NotificationID string        `json:"notification_id"`
	Action         domain.Action `json:"action"`
	Duplicate      bool          `json:"duplicate"`
	// Cancelled counts the queue entries a dismiss or click cancelled.
	Cancelled int `json:"cancelled"`
}

// AckProcessor applies client acknowledgments from the socket and the HTTP
// API alike.
type AckProcessor struct {
	store  AckStore
	ledger *ledger.Ledger
	now    func() time.Time
}

func NewAckProcessor(store AckStore, l *ledger.Ledger) *AckProcessor {
	return &AckProcessor{store: store, ledger: l, now: time.Now}
}

// Ack records that userID read, clicked or dismissed a notification. A
// repeated acknowledgment returns Duplicate without error. Dismissing or
// clicking cancels the notification's still-pending deliveries on other
// channels.
func (p *AckProcessor) Ack(ctx context.Context, userID, notificationID string, action domain.Action) (*AckResult, error) {
	if !action.AckAction() {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidAckAction,
			fmt.Sprintf("action must be read, clicked or dismissed, got %q", action))
	}
	if notificationID == "" {
		return nil, apperrors.ErrInvalidRequestField("notification_id", "is required")
	}

	n, err := p.store.GetNotification(ctx, notificationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrNotificationNotFound(notificationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", notificationID, err)
	}
	if n.UserID != userID {
		return nil, apperrors.Forbidden(apperrors.CodeNotOwner, "notification belongs to another user")
	}

	now := p.now().UTC()
	appended, err := p.ledger.RecordOnce(ctx, &domain.HistoryEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Category:       n.Category,
		Channel:        domain.ChannelInApp,
		Action:         action,
		OccurredAt:     now,
	})
	if err != nil {
		return nil, err
	}

	if _, err := p.store.AcknowledgeInbox(ctx, userID, n.ID, action, now); err != nil {
		return nil, fmt.Errorf("acknowledge inbox item: %w", err)
	}

	result := &AckResult{NotificationID: n.ID, Action: action, Duplicate: !appended}
	if action == domain.ActionDismissed || action == domain.ActionClicked {
		cancelled, err := p.store.CancelNotification(ctx, n.ID, now)
		if err != nil {
			return nil, fmt.Errorf("cancel remaining deliveries: %w", err)
		}
		result.Cancelled = cancelled
	}

	logger.Debug("Notification acknowledged",
		zap.String("notification_id", n.ID),
		zap.String("user_id", userID),
		zap.String("action", string(action)),
		zap.Bool("duplicate", result.Duplicate),
		zap.Int("cancelled", result.Cancelled),
	)
	return result, nil
}
