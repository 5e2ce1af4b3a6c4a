// Package notification accepts notification facts from producers and turns
// them into delivery queue entries. Acceptance is the only outcome a
// producer observes; delivery results are visible through the ledger.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/experiment"
	"cardpilot.io/notifier/internal/ledger"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/repository"
)

// Payload keys stamped for experiment participants.
const (
	PayloadExperimentID = "experiment_id"
	PayloadVariant      = "variant"
)

// Request is a producer's notification fact.
type Request struct {
	UserID    string                 `json:"user_id"`
	Category  domain.Category        `json:"category"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  domain.Priority        `json:"priority"`
	Channels  []domain.Channel       `json:"channels"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
	// ScheduledAt delays the first attempt. Zero means now.
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	ExperimentID string     `json:"experiment_id,omitempty"`
}

// Validate checks the request. Errors are *apperrors.AppError.
func (r *Request) Validate(now time.Time) error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return apperrors.ErrInvalidRequestField("user_id", "is required")
	case strings.TrimSpace(r.Title) == "":
		return apperrors.ErrInvalidRequestField("title", "is required")
	case strings.TrimSpace(r.Message) == "":
		return apperrors.ErrInvalidRequestField("message", "is required")
	case !r.Category.Valid():
		return apperrors.BadRequest(apperrors.CodeInvalidCategory, fmt.Sprintf("unknown category %q", r.Category))
	case !r.Priority.Valid():
		return apperrors.BadRequest(apperrors.CodeInvalidPriority, "priority must be low, medium, high or urgent")
	case len(r.Channels) == 0:
		return apperrors.ErrInvalidRequestField("channels", "at least one channel is required")
	}
	if err := validateChannels(r.Channels); err != nil {
		return err
	}
	if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
		return apperrors.ErrInvalidRequestField("expires_at", "must be in the future")
	}
	return nil
}

func validateChannels(channels []domain.Channel) error {
	for _, ch := range channels {
		if !ch.Valid() {
			return apperrors.BadRequest(apperrors.CodeInvalidChannel, fmt.Sprintf("unknown channel %q", ch))
		}
	}
	return nil
}

// Store is the persistence the service writes through.
type Store interface {
	repository.NotificationStore
	repository.QueueStore
}

// Service accepts, schedules and cancels notifications.
type Service struct {
	store       Store
	ledger      *ledger.Ledger
	assigner    *experiment.Assigner
	maxAttempts int
	now         func() time.Time
}

// NewService creates a Service. assigner may be nil when no experiments run.
func NewService(store Store, l *ledger.Ledger, assigner *experiment.Assigner, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	return &Service{
		store:       store,
		ledger:      l,
		assigner:    assigner,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Notify stores the notification, one pending entry per channel and the
// created event in one transaction.
func (s *Service) Notify(ctx context.Context, req Request) (*domain.Notification, error) {
	now := s.now().UTC()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	n := &domain.Notification{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    req.UserID,
		Category:  req.Category,
		Title:     req.Title,
		Message:   req.Message,
		Payload:   copyPayload(req.Payload),
		Priority:  req.Priority,
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}

	channels := dedupeChannels(req.Channels)
	metadata := map[string]interface{}{"channels": channelNames(channels)}

	if req.ExperimentID != "" {
		variant, err := s.assign(ctx, req.ExperimentID, req.UserID)
		if err != nil {
			return nil, err
		}
		if n.Payload == nil {
			n.Payload = make(map[string]interface{}, 2)
		}
		n.Payload[PayloadExperimentID] = req.ExperimentID
		n.Payload[PayloadVariant] = variant
		metadata[PayloadExperimentID] = req.ExperimentID
		metadata[PayloadVariant] = variant
	}

	scheduledAt := now
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		scheduledAt = req.ScheduledAt.UTC()
	}
	entries := s.newEntries(n, channels, scheduledAt, now)

	created := &domain.HistoryEvent{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Category:       n.Category,
		Action:         domain.ActionCreated,
		OccurredAt:     now,
		Metadata:       metadata,
	}
	if err := s.ledger.Prepare(created); err != nil {
		return nil, err
	}

	if err := s.store.CreateNotification(ctx, n, entries, created); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	s.ledger.Announce(ctx, created)

	logger.Info("Notification accepted",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("category", string(n.Category)),
		zap.String("priority", n.Priority.String()),
		zap.Strings("channels", channelNames(channels)),
	)
	return n, nil
}

func (s *Service) assign(ctx context.Context, experimentID, userID string) (string, error) {
	if s.assigner == nil {
		return "", apperrors.NotFound(apperrors.CodeExperimentNotFound, "experiments are not configured")
	}
	a, err := s.assigner.Assign(ctx, experimentID, userID)
	if errors.Is(err, experiment.ErrUnknownExperiment) {
		return "", apperrors.NotFound(apperrors.CodeExperimentNotFound, "experiment not found").
			WithParams(map[string]interface{}{"experiment_id": experimentID})
	}
	if err != nil {
		return "", err
	}
	return a.Variant, nil
}

// NotifyMany notifies each user with the same content. Failures are logged
// and do not stop delivery to the other users.
func (s *Service) NotifyMany(ctx context.Context, userIDs []string, req Request) ([]string, error) {
	ids := make([]string, 0, len(userIDs))
	var failCount int
	for _, userID := range userIDs {
		r := req
		r.UserID = userID
		n, err := s.Notify(ctx, r)
		if err != nil {
			failCount++
			logger.Error("Notification not accepted",
				zap.String("user_id", userID),
				zap.String("category", string(req.Category)),
				zap.Error(err),
			)
			continue
		}
		ids = append(ids, n.ID)
	}
	if failCount > 0 {
		return ids, fmt.Errorf("notification rejected for %d/%d users", failCount, len(userIDs))
	}
	return ids, nil
}

// Schedule adds pending entries for an existing notification.
func (s *Service) Schedule(ctx context.Context, notificationID string, channels []domain.Channel, scheduledAt time.Time) ([]*domain.DeliveryEntry, error) {
	if len(channels) == 0 {
		return nil, apperrors.ErrInvalidRequestField("channels", "at least one channel is required")
	}
	if err := validateChannels(channels); err != nil {
		return nil, err
	}

	n, err := s.Get(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if n.Expired(now) {
		return nil, apperrors.Conflict(apperrors.CodeNotificationExpired, "notification has expired").
			WithParams(map[string]interface{}{"notification_id": notificationID})
	}
	if scheduledAt.IsZero() || scheduledAt.Before(now) {
		scheduledAt = now
	}

	entries := s.newEntries(n, dedupeChannels(channels), scheduledAt.UTC(), now)
	if err := s.store.InsertEntries(ctx, entries); err != nil {
		return nil, fmt.Errorf("schedule notification %s: %w", notificationID, err)
	}
	return entries, nil
}

// Cancel cancels pending entries and flags in-flight ones. It is
// idempotent and returns the number of entries affected.
func (s *Service) Cancel(ctx context.Context, notificationID string) (int, error) {
	if _, err := s.Get(ctx, notificationID); err != nil {
		return 0, err
	}
	n, err := s.store.CancelNotification(ctx, notificationID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel notification %s: %w", notificationID, err)
	}
	if n > 0 {
		logger.Info("Notification cancelled",
			zap.String("notification_id", notificationID),
			zap.Int("entries", n),
		)
	}
	return n, nil
}

// Get returns a notification or a NOTIFICATION_NOT_FOUND error.
func (s *Service) Get(ctx context.Context, id string) (*domain.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrNotificationNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification %s: %w", id, err)
	}
	return n, nil
}

// Deliveries lists a notification's queue entries for audit.
func (s *Service) Deliveries(ctx context.Context, id string) ([]*domain.DeliveryEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, id)
}

func (s *Service) newEntries(n *domain.Notification, channels []domain.Channel, scheduledAt, now time.Time) []*domain.DeliveryEntry {
	entries := make([]*domain.DeliveryEntry, 0, len(channels))
	for _, ch := range channels {
		entries = append(entries, &domain.DeliveryEntry{
			ID:             uuid.Must(uuid.NewV7()).String(),
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        ch,
			Priority:       n.Priority,
			ScheduledAt:    scheduledAt,
			MaxAttempts:    s.maxAttempts,
			Status:         domain.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return entries
}

func dedupeChannels(channels []domain.Channel) []domain.Channel {
	seen := make(map[domain.Channel]bool, len(channels))
	out := make([]domain.Channel, 0, len(channels))
	for _, ch := range channels {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

func channelNames(channels []domain.Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return names
}

func copyPayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
