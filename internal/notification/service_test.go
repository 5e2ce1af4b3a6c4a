package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpilot.io/notifier/internal/channel"
	"cardpilot.io/notifier/internal/dispatcher"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/experiment"
	"cardpilot.io/notifier/internal/ledger"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/internal/repository/memory"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, experiments ...experiment.Experiment) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	assigner, err := experiment.NewAssigner(store, experiments)
	require.NoError(t, err)
	svc := NewService(store, ledger.New(store, nil), assigner, 3)
	svc.now = func() time.Time { return now }
	return svc, store
}

func validRequest() Request {
	return Request{
		UserID:   "u1",
		Category: domain.CategorySpendingAlert,
		Title:    "Dining budget exceeded",
		Message:  "You spent $412 on dining this month.",
		Priority: domain.PriorityHigh,
		Channels: []domain.Channel{domain.ChannelInApp, domain.ChannelPush},
	}
}

func TestRequest_Validate(t *testing.T) {
	past := now.Add(-time.Minute)
	tests := []struct {
		name     string
		mutate   func(r *Request)
		wantCode string
	}{
		{"missing user", func(r *Request) { r.UserID = " " }, apperrors.CodeInvalidRequestField},
		{"missing title", func(r *Request) { r.Title = "" }, apperrors.CodeInvalidRequestField},
		{"missing message", func(r *Request) { r.Message = "" }, apperrors.CodeInvalidRequestField},
		{"bad category", func(r *Request) { r.Category = "promo" }, apperrors.CodeInvalidCategory},
		{"bad priority", func(r *Request) { r.Priority = 0 }, apperrors.CodeInvalidPriority},
		{"no channels", func(r *Request) { r.Channels = nil }, apperrors.CodeInvalidRequestField},
		{"bad channel", func(r *Request) { r.Channels = []domain.Channel{"fax"} }, apperrors.CodeInvalidChannel},
		{"already expired", func(r *Request) { r.ExpiresAt = &past }, apperrors.CodeInvalidRequestField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate(now)
			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok, "want AppError, got %v", err)
			assert.Equal(t, tt.wantCode, appErr.Code)
		})
	}
	r := validRequest()
	assert.NoError(t, r.Validate(now))
}

func TestNotify_CreatesEntriesAndEvent(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	req := validRequest()
	req.Channels = append(req.Channels, domain.ChannelInApp)
	n, err := svc.Notify(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, now, n.CreatedAt)

	entries, err := store.ListEntries(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2, "duplicate channels collapse")
	for _, e := range entries {
		assert.Equal(t, domain.StatusPending, e.Status)
		assert.Equal(t, domain.PriorityHigh, e.Priority)
		assert.Equal(t, 3, e.MaxAttempts)
		assert.Equal(t, now, e.ScheduledAt)
	}

	events, err := store.ListEvents(ctx, repository.EventFilter{NotificationID: n.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionCreated, events[0].Action)
	assert.NotEmpty(t, events[0].ID)
}

func TestNotify_StampsExperiment(t *testing.T) {
	svc, store := newService(t, experiment.Experiment{
		ID:       "alert-copy",
		Variants: []experiment.Variant{{Name: "only", Weight: 1}},
	})
	ctx := context.Background()

	req := validRequest()
	req.ExperimentID = "alert-copy"
	req.Payload = map[string]interface{}{"merchant": "Cafe"}
	n, err := svc.Notify(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "only", n.Payload[PayloadVariant])
	assert.Equal(t, "Cafe", n.Payload["merchant"])
	assert.NotContains(t, req.Payload, PayloadVariant, "caller payload is not mutated")

	events, err := store.ListEvents(ctx, repository.EventFilter{NotificationID: n.ID})
	require.NoError(t, err)
	assert.Equal(t, "only", events[0].Metadata[PayloadVariant])

	req.ExperimentID = "missing"
	_, err = svc.Notify(ctx, req)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeExperimentNotFound, appErr.Code)
}

func TestScheduleAndCancel(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	n, err := svc.Notify(ctx, validRequest())
	require.NoError(t, err)

	later := now.Add(time.Hour)
	added, err := svc.Schedule(ctx, n.ID, []domain.Channel{domain.ChannelEmail}, later)
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, later, added[0].ScheduledAt)

	affected, err := svc.Cancel(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, affected)

	affected, err = svc.Cancel(ctx, n.ID)
	require.NoError(t, err)
	assert.Zero(t, affected)

	entries, err := svc.Deliveries(ctx, n.ID)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, domain.StatusCancelled, e.Status)
	}

	_, err = svc.Cancel(ctx, "missing")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotificationNotFound, appErr.Code)
}

func TestSchedule_RejectsExpired(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	req := validRequest()
	expires := now.Add(time.Minute)
	req.ExpiresAt = &expires
	n, err := svc.Notify(ctx, req)
	require.NoError(t, err)

	svc.now = func() time.Time { return expires.Add(time.Second) }
	_, err = svc.Schedule(ctx, n.ID, []domain.Channel{domain.ChannelSMS}, time.Time{})
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNotificationExpired, appErr.Code)
}

func TestNotifyMany_BestEffort(t *testing.T) {
	svc, _ := newService(t)
	ids, err := svc.NotifyMany(context.Background(), []string{"u1", "", "u3"}, validRequest())
	assert.Error(t, err)
	assert.Len(t, ids, 2)
}

// A user who disabled push for spending alerts gets the urgent alert in-app
// only, with a single sent event.
func TestNotify_EndToEndChannelSuppression(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	prefs := domain.DefaultPreferences("u1")
	prefs.Categories = map[domain.Category]domain.CategoryPreference{
		domain.CategorySpendingAlert: {Enabled: true, Channels: []domain.Channel{domain.ChannelInApp, domain.ChannelEmail}},
	}
	require.NoError(t, store.PutPreferences(ctx, prefs))

	req := validRequest()
	req.Priority = domain.PriorityUrgent
	n, err := svc.Notify(ctx, req)
	require.NoError(t, err)

	l := ledger.New(store, nil)
	registry := &channel.Registry{InApp: channel.NewInApp(store)}
	d := dispatcher.New(store, l, registry, dispatcher.Config{
		WorkerID:       "w1",
		AdapterTimeout: time.Second,
		Backoff:        dispatcher.Backoff{Base: time.Second, Cap: time.Minute},
	}, dispatcher.WithClock(func() time.Time { return now }))
	runner := dispatcher.NewRunner(d, store, nil, nil, dispatcher.RunnerConfig{
		WorkerID: "w1", PollInterval: time.Second, BatchSize: 10, LeaseDuration: time.Minute,
	})
	claimed, err := runner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)

	entries, err := svc.Deliveries(ctx, n.ID)
	require.NoError(t, err)
	byChannel := map[domain.Channel]domain.DeliveryStatus{}
	for _, e := range entries {
		byChannel[e.Channel] = e.Status
	}
	assert.Equal(t, domain.StatusCompleted, byChannel[domain.ChannelInApp])
	assert.Equal(t, domain.StatusCancelled, byChannel[domain.ChannelPush])

	sent, err := store.ListEvents(ctx, repository.EventFilter{NotificationID: n.ID, Actions: []domain.Action{domain.ActionSent}})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ChannelInApp, sent[0].Channel)

	inbox, err := store.ListUnacknowledged(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, n.ID, inbox[0].Notification.ID)
}
