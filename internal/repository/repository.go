// Package repository defines the persistence contracts of the notification
// engine. The postgres package is the production implementation; the memory
// package backs unit tests and single-process development runs.
package repository

import (
	"context"
	"errors"
	"time"

	"cardpilot.io/notifier/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrLeaseLost is returned when a worker resolves an entry it no longer
	// holds. The caller must discard its outcome.
	ErrLeaseLost = errors.New("lease lost")
	// ErrConflict is returned on a uniqueness violation.
	ErrConflict = errors.New("conflict")
)

// NotificationStore persists immutable notification records.
type NotificationStore interface {
	// CreateNotification atomically stores the record, its initial queue
	// entries and its created event.
	CreateNotification(ctx context.Context, n *domain.Notification, entries []*domain.DeliveryEntry, created *domain.HistoryEvent) error
	GetNotification(ctx context.Context, id string) (*domain.Notification, error)
}

// QueueStore is the durable delivery queue.
type QueueStore interface {
	InsertEntries(ctx context.Context, entries []*domain.DeliveryEntry) error
	// ClaimDue moves up to limit due entries to processing under workerID's
	// lease and returns them in dispatch order. Entries whose lease expired
	// are reclaimable.
	ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryEntry, error)
	// Resolve applies a lease owner's outcome and returns the status actually
	// stored. A reschedule of a cancel-requested entry is stored as
	// cancelled. The resolution's event, if any, is appended in the same
	// transaction. Returns ErrLeaseLost if workerID does not hold the lease.
	Resolve(ctx context.Context, r domain.Resolution) (domain.DeliveryStatus, error)
	// CancelNotification cancels the pending entries of a notification and
	// flags processing ones. Returns how many entries were affected.
	CancelNotification(ctx context.Context, notificationID string, now time.Time) (int, error)
	ListEntries(ctx context.Context, notificationID string) ([]*domain.DeliveryEntry, error)
	// ExpirePending fails pending entries whose notification has expired and
	// returns them.
	ExpirePending(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryEntry, error)
	// CountByStatus reports queue depth per status.
	CountByStatus(ctx context.Context) (map[domain.DeliveryStatus]int, error)
}

// PreferenceStore persists user preferences.
type PreferenceStore interface {
	// GetPreferences returns ErrNotFound when the user never saved any.
	GetPreferences(ctx context.Context, userID string) (*domain.Preferences, error)
	PutPreferences(ctx context.Context, p *domain.Preferences) error
}

// ContactStore persists the destination projection.
type ContactStore interface {
	GetContacts(ctx context.Context, userID string) (*domain.Contacts, error)
	PutContacts(ctx context.Context, c *domain.Contacts) error
}

// InboxStore persists in-app deliveries for the pull query.
type InboxStore interface {
	// PutInboxItem is idempotent per (user, notification).
	PutInboxItem(ctx context.Context, item *domain.InboxItem) error
	// ListUnacknowledged returns inbox entries not yet acknowledged, newest
	// first, at most limit.
	ListUnacknowledged(ctx context.Context, userID string, limit int) ([]domain.InboxEntry, error)
	// AcknowledgeInbox marks an item acknowledged. It reports false when the
	// item was already acknowledged or does not exist.
	AcknowledgeInbox(ctx context.Context, userID, notificationID string, action domain.Action, at time.Time) (bool, error)
}

// EventFilter selects history events. Zero fields do not filter.
type EventFilter struct {
	UserID         string
	NotificationID string
	Category       domain.Category
	Channel        domain.Channel
	Actions        []domain.Action
	From           time.Time
	To             time.Time
	Limit          int
}

// HistoryStore is the append-only ledger.
type HistoryStore interface {
	AppendEvent(ctx context.Context, e *domain.HistoryEvent) error
	// AppendEventOnce appends unless an event with the same notification and
	// action exists. It reports whether the event was appended.
	AppendEventOnce(ctx context.Context, e *domain.HistoryEvent) (bool, error)
	ListEvents(ctx context.Context, f EventFilter) ([]*domain.HistoryEvent, error)
}

// AssignmentStore memoizes experiment assignments.
type AssignmentStore interface {
	GetAssignment(ctx context.Context, experimentID, userID string) (*domain.Assignment, error)
	// InsertAssignmentIfAbsent stores a unless an assignment for the same
	// (experiment, user) exists, and returns the stored assignment.
	InsertAssignmentIfAbsent(ctx context.Context, a *domain.Assignment) (*domain.Assignment, error)
}

// Store aggregates every store.
type Store interface {
	NotificationStore
	QueueStore
	PreferenceStore
	ContactStore
	InboxStore
	HistoryStore
	AssignmentStore
	Ping(ctx context.Context) error
}
