// Package repotest holds behavior tests shared by every repository.Store
// implementation.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) repository.Store

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("ClaimOrdersByPriorityThenSchedule", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("ClaimIsExclusive", func(t *testing.T) { testClaimExclusive(t, newStore(t)) })
	t.Run("LeaseExpiryReclaim", func(t *testing.T) { testLeaseReclaim(t, newStore(t)) })
	t.Run("CancelPendingAndFlagProcessing", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("ExpirePending", func(t *testing.T) { testExpirePending(t, newStore(t)) })
	t.Run("HistoryOnceAndFilter", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("InboxLifecycle", func(t *testing.T) { testInbox(t, newStore(t)) })
	t.Run("PreferencesAndContacts", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("AssignmentInsertIfAbsent", func(t *testing.T) { testAssignments(t, newStore(t)) })
}

func notification(id string, priority domain.Priority) *domain.Notification {
	return &domain.Notification{
		ID:        id,
		UserID:    "user-1",
		Category:  domain.CategorySpendingAlert,
		Title:     "title " + id,
		Message:   "message " + id,
		Payload:   map[string]interface{}{"merchant": "Acme"},
		Priority:  priority,
		CreatedAt: base,
	}
}

func entry(n *domain.Notification, ch domain.Channel, at time.Time) *domain.DeliveryEntry {
	return &domain.DeliveryEntry{
		ID:             fmt.Sprintf("%s-%s", n.ID, ch),
		NotificationID: n.ID,
		UserID:         n.UserID,
		Channel:        ch,
		Priority:       n.Priority,
		ScheduledAt:    at,
		MaxAttempts:    domain.DefaultMaxAttempts,
		Status:         domain.StatusPending,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func create(t *testing.T, s repository.Store, n *domain.Notification, entries ...*domain.DeliveryEntry) {
	t.Helper()
	require.NoError(t, s.CreateNotification(context.Background(), n, entries, &domain.HistoryEvent{
		ID: "created-" + n.ID, NotificationID: n.ID, UserID: n.UserID, Category: n.Category,
		Action: domain.ActionCreated, OccurredAt: n.CreatedAt,
	}))
}

func testClaimOrder(t *testing.T, s repository.Store) {
	ctx := context.Background()
	low := notification("low", domain.PriorityLow)
	urgent := notification("urgent", domain.PriorityUrgent)
	highOld := notification("high-old", domain.PriorityHigh)
	highNew := notification("high-new", domain.PriorityHigh)
	future := notification("future", domain.PriorityUrgent)

	create(t, s, low, entry(low, domain.ChannelInApp, base.Add(-time.Hour)))
	create(t, s, urgent, entry(urgent, domain.ChannelInApp, base))
	create(t, s, highNew, entry(highNew, domain.ChannelInApp, base.Add(-time.Minute)))
	create(t, s, highOld, entry(highOld, domain.ChannelInApp, base.Add(-2*time.Minute)))
	create(t, s, future, entry(future, domain.ChannelInApp, base.Add(time.Minute)))

	claimed, err := s.ClaimDue(ctx, "w1", base, time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "urgent-in_app", claimed[0].ID)
	assert.Equal(t, "high-old-in_app", claimed[1].ID)
	assert.Equal(t, "high-new-in_app", claimed[2].ID)
	for _, e := range claimed {
		assert.Equal(t, domain.StatusProcessing, e.Status)
		assert.Equal(t, "w1", e.LeaseOwner)
		require.NotNil(t, e.LeaseExpiresAt)
		assert.True(t, e.LeaseExpiresAt.Equal(base.Add(time.Minute)))
	}

	rest, err := s.ClaimDue(ctx, "w2", base, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1, "future entries are not due")
	assert.Equal(t, "low-in_app", rest[0].ID)
}

func testClaimExclusive(t *testing.T, s repository.Store) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		n := notification(fmt.Sprintf("n%02d", i), domain.PriorityMedium)
		create(t, s, n, entry(n, domain.ChannelInApp, base))
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) { //nolint:naked-goroutine // concurrent claim test
			defer wg.Done()
			for {
				claimed, err := s.ClaimDue(ctx, worker, base, time.Minute, 3)
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, e := range claimed {
					if prev, dup := seen[e.ID]; dup {
						t.Errorf("entry %s claimed by %s and %s", e.ID, prev, worker)
					}
					seen[e.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func testLeaseReclaim(t *testing.T, s repository.Store) {
	ctx := context.Background()
	n := notification("n1", domain.PriorityMedium)
	create(t, s, n, entry(n, domain.ChannelPush, base))

	claimed, err := s.ClaimDue(ctx, "w1", base, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	none, err := s.ClaimDue(ctx, "w2", base.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, none, "a live lease is not reclaimable")

	reclaimed, err := s.ClaimDue(ctx, "w2", base.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "w2", reclaimed[0].LeaseOwner)

	stale := &domain.HistoryEvent{
		ID: "ev-stale", NotificationID: n.ID, UserID: n.UserID, Category: n.Category,
		Channel: domain.ChannelPush, Action: domain.ActionSent, OccurredAt: base.Add(2 * time.Minute),
	}
	_, err = s.Resolve(ctx, domain.Resolution{
		EntryID: claimed[0].ID, WorkerID: "w1", Status: domain.StatusCompleted, Attempts: 1, At: base.Add(2 * time.Minute),
		Event: stale,
	})
	assert.ErrorIs(t, err, repository.ErrLeaseLost)
	sentOnly := repository.EventFilter{NotificationID: n.ID, Actions: []domain.Action{domain.ActionSent}}
	events, err := s.ListEvents(ctx, sentOnly)
	require.NoError(t, err)
	assert.Empty(t, events, "a lost lease drops the resolution's event")

	status, err := s.Resolve(ctx, domain.Resolution{
		EntryID: claimed[0].ID, WorkerID: "w2", Status: domain.StatusPending, Attempts: 1,
		ScheduledAt: base.Add(5 * time.Minute), LastError: "timeout", At: base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status)

	retry, err := s.ClaimDue(ctx, "w2", base.Add(5*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	sent := *stale
	sent.ID = "ev-sent"
	status, err = s.Resolve(ctx, domain.Resolution{
		EntryID: retry[0].ID, WorkerID: "w2", Status: domain.StatusCompleted, Attempts: 2,
		LastError: "timeout", At: base.Add(5 * time.Minute), Event: &sent,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status)
	events, err = s.ListEvents(ctx, sentOnly)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-sent", events[0].ID)

	entries, err := s.ListEntries(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, "timeout", entries[0].LastError)
	assert.Equal(t, domain.StatusCompleted, entries[0].Status)
	assert.True(t, entries[0].ScheduledAt.Equal(base.Add(5*time.Minute)))
	assert.Empty(t, entries[0].LeaseOwner)

	_, err = s.Resolve(ctx, domain.Resolution{EntryID: "missing", WorkerID: "w2", Status: domain.StatusCompleted, At: base})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func testCancel(t *testing.T, s repository.Store) {
	ctx := context.Background()
	n := notification("n1", domain.PriorityMedium)
	create(t, s, n,
		entry(n, domain.ChannelInApp, base),
		entry(n, domain.ChannelPush, base.Add(time.Hour)),
		entry(n, domain.ChannelEmail, base.Add(time.Hour)),
	)

	claimed, err := s.ClaimDue(ctx, "w1", base, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	affected, err := s.CancelNotification(ctx, n.ID, base)
	require.NoError(t, err)
	assert.Equal(t, 3, affected)

	again, err := s.CancelNotification(ctx, n.ID, base)
	require.NoError(t, err)
	assert.Zero(t, again, "cancel is idempotent")

	// A reschedule of a cancel-requested entry lands in cancelled.
	status, err := s.Resolve(ctx, domain.Resolution{
		EntryID: claimed[0].ID, WorkerID: "w1", Status: domain.StatusPending, Attempts: 1,
		ScheduledAt: base.Add(time.Minute), At: base,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, status)

	entries, err := s.ListEntries(ctx, n.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, domain.StatusCancelled, e.Status, e.ID)
	}

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusCancelled])
}

func testExpirePending(t *testing.T, s repository.Store) {
	ctx := context.Background()
	expires := base.Add(time.Minute)
	n := notification("n1", domain.PriorityLow)
	n.ExpiresAt = &expires
	keep := notification("n2", domain.PriorityLow)
	create(t, s, n, entry(n, domain.ChannelEmail, base.Add(time.Hour)))
	create(t, s, keep, entry(keep, domain.ChannelEmail, base.Add(time.Hour)))

	none, err := s.ExpirePending(ctx, base, 100)
	require.NoError(t, err)
	assert.Empty(t, none)

	expired, err := s.ExpirePending(ctx, base.Add(2*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.StatusFailed, expired[0].Status)
	assert.Equal(t, domain.ReasonExpired, expired[0].LastError)
	assert.Zero(t, expired[0].Attempts)
}

func testHistory(t *testing.T, s repository.Store) {
	ctx := context.Background()
	n := notification("n1", domain.PriorityMedium)
	create(t, s, n)

	read := &domain.HistoryEvent{
		ID: "ev-read-1", NotificationID: n.ID, UserID: n.UserID, Category: n.Category,
		Channel: domain.ChannelInApp, Action: domain.ActionRead, OccurredAt: base.Add(time.Minute),
	}
	ok, err := s.AppendEventOnce(ctx, read)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := *read
	dup.ID = "ev-read-2"
	ok, err = s.AppendEventOnce(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AppendEvent(ctx, &domain.HistoryEvent{
		ID: "ev-sent", NotificationID: n.ID, UserID: n.UserID, Category: n.Category,
		Channel: domain.ChannelPush, Action: domain.ActionSent, OccurredAt: base.Add(30 * time.Second),
		Metadata: map[string]interface{}{"latency_ms": float64(30000)},
	}))

	all, err := s.ListEvents(ctx, repository.EventFilter{UserID: n.UserID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.ActionCreated, all[0].Action)
	assert.Equal(t, domain.ActionSent, all[1].Action)
	assert.Equal(t, float64(30000), all[1].Metadata["latency_ms"])

	push, err := s.ListEvents(ctx, repository.EventFilter{
		Channel: domain.ChannelPush, Actions: []domain.Action{domain.ActionSent, domain.ActionFailed},
		From: base, To: base.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, push, 1)
	assert.Equal(t, "ev-sent", push[0].ID)
}

func testInbox(t *testing.T, s repository.Store) {
	ctx := context.Background()
	older := notification("older", domain.PriorityLow)
	newer := notification("newer", domain.PriorityHigh)
	create(t, s, older)
	create(t, s, newer)

	require.NoError(t, s.PutInboxItem(ctx, &domain.InboxItem{UserID: "user-1", NotificationID: older.ID, DeliveredAt: base}))
	require.NoError(t, s.PutInboxItem(ctx, &domain.InboxItem{UserID: "user-1", NotificationID: newer.ID, DeliveredAt: base.Add(time.Minute)}))
	require.NoError(t, s.PutInboxItem(ctx, &domain.InboxItem{UserID: "user-1", NotificationID: newer.ID, DeliveredAt: base.Add(time.Hour)}))

	items, err := s.ListUnacknowledged(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "newer", items[0].Notification.ID)
	assert.Equal(t, domain.PriorityHigh, items[0].Notification.Priority)
	assert.Equal(t, "Acme", items[0].Notification.Payload["merchant"])

	ok, err := s.AcknowledgeInbox(ctx, "user-1", newer.ID, domain.ActionRead, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcknowledgeInbox(ctx, "user-1", newer.ID, domain.ActionDismissed, base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	items, err = s.ListUnacknowledged(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "older", items[0].Notification.ID)
}

func testUsers(t *testing.T, s repository.Store) {
	ctx := context.Background()

	_, err := s.GetPreferences(ctx, "user-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	prefs := domain.DefaultPreferences("user-1")
	prefs.MinPriority = domain.PriorityMedium
	prefs.QuietHours = &domain.QuietHours{Start: "22:00", End: "07:00"}
	prefs.Timezone = "Europe/Berlin"
	prefs.Categories = map[domain.Category]domain.CategoryPreference{
		domain.CategoryTransactionSuggestion: {
			Enabled: true, Channels: []domain.Channel{domain.ChannelInApp}, MinBenefit: decimal.RequireFromString("2.50"),
		},
	}
	prefs.UpdatedAt = base
	require.NoError(t, s.PutPreferences(ctx, prefs))

	got, err := s.GetPreferences(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, got.MinPriority)
	assert.Equal(t, "Europe/Berlin", got.Timezone)
	require.NotNil(t, got.QuietHours)
	assert.Equal(t, "22:00", got.QuietHours.Start)
	cat := got.Categories[domain.CategoryTransactionSuggestion]
	assert.True(t, cat.MinBenefit.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, []domain.Channel{domain.ChannelInApp}, cat.Channels)

	_, err = s.GetContacts(ctx, "user-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	require.NoError(t, s.PutContacts(ctx, &domain.Contacts{
		UserID: "user-1", Email: "ana@example.com", DeviceTokens: []string{"tok-1"}, UpdatedAt: base,
	}))
	contacts, err := s.GetContacts(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", contacts.Email)
	assert.Equal(t, []string{"tok-1"}, contacts.DeviceTokens)
}

func testAssignments(t *testing.T, s repository.Store) {
	ctx := context.Background()

	_, err := s.GetAssignment(ctx, "exp", "user-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	first, err := s.InsertAssignmentIfAbsent(ctx, &domain.Assignment{
		ExperimentID: "exp", UserID: "user-1", Variant: "control", AssignedAt: base,
	})
	require.NoError(t, err)
	assert.Equal(t, "control", first.Variant)

	second, err := s.InsertAssignmentIfAbsent(ctx, &domain.Assignment{
		ExperimentID: "exp", UserID: "user-1", Variant: "treatment", AssignedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "control", second.Variant, "the first assignment is permanent")
}
