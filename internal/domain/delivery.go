package domain

import (
	"fmt"
	"time"
)

// DeliveryStatus is the lifecycle state of a queue entry.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusProcessing DeliveryStatus = "processing"
	StatusCompleted  DeliveryStatus = "completed"
	StatusFailed     DeliveryStatus = "failed"
	StatusCancelled  DeliveryStatus = "cancelled"
)

// DefaultMaxAttempts bounds adapter invocations per entry.
const DefaultMaxAttempts = 3

// Terminal reasons recorded in LastError.
const (
	ReasonExpired             = "expired"
	ReasonSuppressed          = "suppressed by preference"
	ReasonCancelled           = "cancelled"
	ReasonChannelUnconfigured = "channel not configured"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an entry may move from s to next.
//
//	pending    → processing (claim), cancelled (cancellation)
//	processing → completed, failed, cancelled, pending (reschedule or lease reclaim)
func (s DeliveryStatus) CanTransition(next DeliveryStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusCancelled || next == StatusPending
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

// DeliveryEntry is one (notification, channel) delivery obligation.
type DeliveryEntry struct {
	ID              string         `json:"id"`
	NotificationID  string         `json:"notification_id"`
	UserID          string         `json:"user_id"`
	Channel         Channel        `json:"channel"`
	Priority        Priority       `json:"priority"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	LastAttemptAt   *time.Time     `json:"last_attempt_at,omitempty"`
	Status          DeliveryStatus `json:"status"`
	LastError       string         `json:"last_error,omitempty"`
	LeaseOwner      string         `json:"-"`
	LeaseExpiresAt  *time.Time     `json:"-"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Due reports whether the entry may be claimed at now: pending and scheduled
// in the past, or processing under a lease that has expired.
func (e *DeliveryEntry) Due(now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return !e.ScheduledAt.After(now)
	case StatusProcessing:
		return e.LeaseExpired(now)
	}
	return false
}

// LeaseExpired reports whether the entry's lease ran out at or before now,
// so another worker may already hold it.
func (e *DeliveryEntry) LeaseExpired(now time.Time) bool {
	return e.LeaseExpiresAt != nil && !e.LeaseExpiresAt.After(now)
}

// DeliveryOrder reports whether a should be dispatched before b: priority
// descending, then scheduled time ascending, then id for a total order.
func DeliveryOrder(a, b *DeliveryEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

// Resolution is a lease owner's outcome for a claimed entry.
type Resolution struct {
	EntryID  string
	WorkerID string
	Status   DeliveryStatus
	// Attempts is the new attempt count.
	Attempts int
	// ScheduledAt is the next due time when Status is pending.
	ScheduledAt time.Time
	LastError   string
	AttemptedAt *time.Time
	At          time.Time
	// Event, when set, is appended to the history in the same write as the
	// outcome, and discarded with it when the lease was lost.
	Event *HistoryEvent
}

// Validate checks that the resolution leaves processing legally.
func (r Resolution) Validate() error {
	if !StatusProcessing.CanTransition(r.Status) {
		return fmt.Errorf("invalid resolution status %q", r.Status)
	}
	if r.Status == StatusPending && r.ScheduledAt.IsZero() {
		return fmt.Errorf("reschedule requires scheduled_at")
	}
	if r.EntryID == "" || r.WorkerID == "" {
		return fmt.Errorf("resolution requires entry and worker ids")
	}
	return nil
}
