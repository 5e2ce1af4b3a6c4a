package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpilot.io/notifier/internal/channel"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/pkg/metrics"
	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/internal/repository/memory"
)

const lease = time.Minute

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recorder struct {
	mu     sync.Mutex
	calls  []string
	result func(e *domain.DeliveryEntry) channel.Result
}

func (r *recorder) Deliver(_ context.Context, e *domain.DeliveryEntry, _ *domain.Notification) channel.Result {
	r.mu.Lock()
	r.calls = append(r.calls, e.ID)
	r.mu.Unlock()
	if r.result == nil {
		return channel.Delivered()
	}
	return r.result(e)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type publisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *publisher) Publish(_ context.Context, n *domain.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, n.ID)
}

type fixture struct {
	store   *memory.Store
	ledger  *ledger.Ledger
	clock   *clock
	adapter *recorder
	pub     *publisher
	metrics *metrics.Metrics
	d       *Dispatcher
}

func newFixture(t *testing.T, start time.Time, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.New(),
		clock:   &clock{t: start},
		adapter: &recorder{},
		pub:     &publisher{},
		metrics: metrics.New(),
	}
	f.ledger = ledger.New(f.store, nil, ledger.WithClock(f.clock.Now))
	registry := &channel.Registry{InApp: f.adapter, Push: f.adapter, Email: f.adapter, SMS: f.adapter}
	opts = append([]Option{WithClock(f.clock.Now), WithPublisher(f.pub), WithMetrics(f.metrics)}, opts...)
	f.d = New(f.store, f.ledger, registry, Config{
		WorkerID:       "w1",
		AdapterTimeout: time.Second,
		MaxAttempts:    3,
		Backoff:        Backoff{Base: 30 * time.Second, Cap: 30 * time.Minute},
	}, opts...)
	return f
}

func (f *fixture) seed(t *testing.T, n *domain.Notification, channels ...domain.Channel) {
	t.Helper()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.clock.Now()
	}
	entries := make([]*domain.DeliveryEntry, 0, len(channels))
	for _, ch := range channels {
		entries = append(entries, &domain.DeliveryEntry{
			ID:             n.ID + "-" + string(ch),
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        ch,
			Priority:       n.Priority,
			ScheduledAt:    n.CreatedAt,
			MaxAttempts:    3,
			Status:         domain.StatusPending,
			CreatedAt:      n.CreatedAt,
			UpdatedAt:      n.CreatedAt,
		})
	}
	require.NoError(t, f.store.CreateNotification(context.Background(), n, entries, nil))
}

// runAll claims everything due and processes it.
func (f *fixture) runAll(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	claimed, err := f.store.ClaimDue(ctx, "w1", f.clock.Now(), lease, 100)
	require.NoError(t, err)
	var outcomes []string
	for _, e := range claimed {
		outcome, err := f.d.Process(ctx, e)
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (f *fixture) entry(t *testing.T, id string) *domain.DeliveryEntry {
	t.Helper()
	nid, _, _ := strings.Cut(id, "-")
	entries, err := f.store.ListEntries(context.Background(), nid)
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entry %s not found", id)
	return nil
}

func (f *fixture) events(t *testing.T, nid string) []*domain.HistoryEvent {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), repository.EventFilter{NotificationID: nid})
	require.NoError(t, err)
	return events
}

func notification(id string, cat domain.Category, p domain.Priority) *domain.Notification {
	return &domain.Notification{ID: id, UserID: "u1", Category: cat, Title: "t", Message: "m", Priority: p}
}

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{200, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.n), "n=%d", tt.n)
	}
}

func TestProcess_PreferenceSuppressesOneChannel(t *testing.T) {
	f := newFixture(t, noon)
	ctx := context.Background()

	prefs := domain.DefaultPreferences("u1")
	prefs.Categories = map[domain.Category]domain.CategoryPreference{
		domain.CategorySpendingAlert: {Enabled: true, Channels: []domain.Channel{domain.ChannelInApp}},
	}
	require.NoError(t, f.store.PutPreferences(ctx, prefs))

	f.seed(t, notification("n1", domain.CategorySpendingAlert, domain.PriorityUrgent), domain.ChannelInApp, domain.ChannelPush)
	f.runAll(t)

	inApp := f.entry(t, "n1-in_app")
	push := f.entry(t, "n1-push")
	assert.Equal(t, domain.StatusCompleted, inApp.Status)
	assert.Equal(t, 1, inApp.Attempts)
	assert.Equal(t, domain.StatusCancelled, push.Status)
	assert.Equal(t, domain.ReasonSuppressed, push.LastError)
	assert.Equal(t, 0, push.Attempts)

	events := f.events(t, "n1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionSent, events[0].Action)
	assert.Equal(t, domain.ChannelInApp, events[0].Channel)

	assert.Equal(t, []string{"n1-in_app"}, f.adapter.Calls())
	assert.Equal(t, []string{"n1"}, f.pub.ids)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.DeliveryOutcomes.WithLabelValues("push", metrics.OutcomeSuppressed)))
}

func TestProcess_TransientExhaustsAttempts(t *testing.T) {
	f := newFixture(t, noon)
	f.adapter.result = func(*domain.DeliveryEntry) channel.Result { return channel.Transient("provider timeout") }
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelEmail)

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute}
	for i, delay := range wantDelays {
		assert.Equal(t, []string{metrics.OutcomeTransient}, f.runAll(t))
		e := f.entry(t, "n1-email")
		assert.Equal(t, domain.StatusPending, e.Status)
		assert.Equal(t, i+1, e.Attempts)
		assert.Equal(t, f.clock.Now().Add(delay), e.ScheduledAt)
		assert.Equal(t, "provider timeout", e.LastError)

		assert.Empty(t, f.runAll(t), "not due before backoff elapses")
		f.clock.Set(e.ScheduledAt)
	}

	f.runAll(t)
	e := f.entry(t, "n1-email")
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, 3, e.Attempts)
	assert.LessOrEqual(t, e.Attempts, e.MaxAttempts)

	events := f.events(t, "n1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionFailed, events[0].Action)

	f.clock.Set(noon.Add(24 * time.Hour))
	assert.Empty(t, f.runAll(t))
	assert.Len(t, f.adapter.Calls(), 3)
}

func TestProcess_PermanentFailsImmediately(t *testing.T) {
	f := newFixture(t, noon)
	f.adapter.result = func(*domain.DeliveryEntry) channel.Result { return channel.Permanent("invalid destination") }
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelSMS)

	assert.Equal(t, []string{metrics.OutcomePermanent}, f.runAll(t))
	e := f.entry(t, "n1-sms")
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "invalid destination", e.LastError)
	require.Len(t, f.events(t, "n1"), 1)
}

func TestProcess_UnconfiguredChannelIsPermanent(t *testing.T) {
	f := newFixture(t, noon)
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelWebhook)

	assert.Equal(t, []string{metrics.OutcomePermanent}, f.runAll(t))
	assert.Equal(t, domain.StatusFailed, f.entry(t, "n1-webhook").Status)
}

func TestProcess_ExpiredNeverDispatched(t *testing.T) {
	f := newFixture(t, noon)
	n := notification("n1", domain.CategoryCardRecommendation, domain.PriorityUrgent)
	expires := noon.Add(time.Minute)
	n.ExpiresAt = &expires
	f.seed(t, n, domain.ChannelPush)

	f.clock.Set(expires)
	assert.Equal(t, []string{metrics.OutcomeExpired}, f.runAll(t))

	e := f.entry(t, "n1-push")
	assert.Equal(t, domain.StatusFailed, e.Status)
	assert.Equal(t, domain.ReasonExpired, e.LastError)
	assert.Equal(t, 0, e.Attempts)
	assert.Empty(t, f.adapter.Calls())

	events := f.events(t, "n1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionExpired, events[0].Action)
}

func TestProcess_QuietHours(t *testing.T) {
	late := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	tests := []struct {
		name       string
		category   domain.Category
		priority   domain.Priority
		ch         domain.Channel
		wantStatus domain.DeliveryStatus
	}{
		{"push deferred", domain.CategoryCardRecommendation, domain.PriorityHigh, domain.ChannelPush, domain.StatusPending},
		{"urgent bypasses", domain.CategoryCardRecommendation, domain.PriorityUrgent, domain.ChannelPush, domain.StatusCompleted},
		{"security bypasses", domain.CategorySecurityAlert, domain.PriorityLow, domain.ChannelSMS, domain.StatusCompleted},
		{"in-app unaffected", domain.CategoryCardRecommendation, domain.PriorityLow, domain.ChannelInApp, domain.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, late)
			prefs := domain.DefaultPreferences("u1")
			prefs.QuietHours = &domain.QuietHours{Start: "22:00", End: "08:00"}
			require.NoError(t, f.store.PutPreferences(context.Background(), prefs))

			f.seed(t, notification("n1", tt.category, tt.priority), tt.ch)
			f.runAll(t)

			e := f.entry(t, "n1-"+string(tt.ch))
			assert.Equal(t, tt.wantStatus, e.Status)
			if tt.wantStatus == domain.StatusPending {
				assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), e.ScheduledAt)
				assert.Equal(t, 0, e.Attempts)
				assert.Equal(t, ReasonQuietHours, e.LastError)
				assert.Empty(t, f.adapter.Calls())
			}
		})
	}
}

type denyLimiter struct{ reset time.Time }

func (l denyLimiter) Allow(context.Context, string, domain.Channel, time.Time) (bool, time.Time, error) {
	return false, l.reset, nil
}

func TestProcess_FrequencyCapDefers(t *testing.T) {
	reset := noon.Add(20 * time.Minute)
	f := newFixture(t, noon, WithLimiter(denyLimiter{reset: reset}))
	f.seed(t, notification("n1", domain.CategoryCardRecommendation, domain.PriorityMedium), domain.ChannelPush)
	f.seed(t, notification("n2", domain.CategoryCardRecommendation, domain.PriorityMedium), domain.ChannelInApp)

	f.runAll(t)
	e := f.entry(t, "n1-push")
	assert.Equal(t, domain.StatusPending, e.Status)
	assert.Equal(t, reset, e.ScheduledAt)
	assert.Equal(t, ReasonFrequencyCap, e.LastError)
	assert.Equal(t, domain.StatusCompleted, f.entry(t, "n2-in_app").Status)
}

func TestProcess_AdapterTimeoutIsTransient(t *testing.T) {
	f := newFixture(t, noon)
	f.d.cfg.AdapterTimeout = 20 * time.Millisecond
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f.adapter.result = func(*domain.DeliveryEntry) channel.Result {
		<-release
		return channel.Delivered()
	}
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelPush)

	assert.Equal(t, []string{metrics.OutcomeTransient}, f.runAll(t))
	e := f.entry(t, "n1-push")
	assert.Equal(t, domain.StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "timed out")
}

func TestProcess_LeaseLostDiscardsOutcome(t *testing.T) {
	f := newFixture(t, noon)
	ctx := context.Background()
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelInApp)

	claimed, err := f.store.ClaimDue(ctx, "w1", noon, lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// w1 stalls past its lease and w2 takes over
	_, err = f.store.ClaimDue(ctx, "w2", noon.Add(2*lease), lease, 10)
	require.NoError(t, err)

	outcome, err := f.d.Process(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeLeaseLost, outcome)
	assert.Empty(t, f.events(t, "n1"))
	assert.Empty(t, f.pub.ids)
	assert.Equal(t, domain.StatusProcessing, f.entry(t, "n1-in_app").Status)
}

func TestProcess_ExpiredLeaseSkipsAdapter(t *testing.T) {
	f := newFixture(t, noon)
	ctx := context.Background()
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelPush)

	claimed, err := f.store.ClaimDue(ctx, "w1", noon, lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// the entry sat in a saturated pool until its lease ran out
	f.clock.Set(noon.Add(lease + time.Second))
	outcome, err := f.d.Process(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeLeaseLost, outcome)
	assert.Empty(t, f.adapter.Calls())
	assert.Empty(t, f.events(t, "n1"))

	reclaimed, err := f.store.ClaimDue(ctx, "w2", f.clock.Now(), lease, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1, "the skipped entry stays reclaimable")
	assert.Zero(t, reclaimed[0].Attempts)
}

type brokenResolve struct {
	*memory.Store
}

func (brokenResolve) Resolve(context.Context, domain.Resolution) (domain.DeliveryStatus, error) {
	return "", errors.New("connection reset")
}

func TestProcess_SentEventCommitsWithResolution(t *testing.T) {
	f := newFixture(t, noon)
	ctx := context.Background()
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelEmail)

	hooks := domain.NewEventDispatcher()
	var announced int
	hooks.Register(domain.ActionSent, func(context.Context, *domain.HistoryEvent) error {
		announced++
		return nil
	})
	l := ledger.New(f.store, hooks, ledger.WithClock(f.clock.Now))
	registry := &channel.Registry{Email: f.adapter}
	cfg := Config{WorkerID: "w1", AdapterTimeout: time.Second, MaxAttempts: 3, Backoff: Backoff{Base: time.Second, Cap: time.Minute}}

	claimed, err := f.store.ClaimDue(ctx, "w1", noon, lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	broken := New(brokenResolve{f.store}, l, registry, cfg, WithClock(f.clock.Now))
	_, err = broken.Process(ctx, claimed[0])
	require.Error(t, err)
	assert.Empty(t, f.events(t, "n1"), "no sent event without the completed entry")
	assert.Zero(t, announced)
	assert.Equal(t, domain.StatusProcessing, f.entry(t, "n1-email").Status)

	d := New(f.store, l, registry, cfg, WithClock(f.clock.Now))
	outcome, err := d.Process(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeSuccess, outcome)
	events := f.events(t, "n1")
	require.Len(t, events, 1)
	assert.Equal(t, domain.ActionSent, events[0].Action)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, 1, announced)
	assert.Equal(t, domain.StatusCompleted, f.entry(t, "n1-email").Status)
}

func TestProcess_CancelDuringAttempt(t *testing.T) {
	f := newFixture(t, noon)
	ctx := context.Background()
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelEmail)
	f.adapter.result = func(*domain.DeliveryEntry) channel.Result {
		n, err := f.store.CancelNotification(ctx, "n1", noon)
		assert.NoError(t, err)
		assert.Equal(t, 1, n)
		return channel.Transient("busy")
	}

	assert.Equal(t, []string{metrics.OutcomeSuppressed}, f.runAll(t))
	e := f.entry(t, "n1-email")
	assert.Equal(t, domain.StatusCancelled, e.Status)
	assert.Equal(t, 1, e.Attempts)
}

func TestProcess_ReclaimedCancelRequested(t *testing.T) {
	f := newFixture(t, noon)
	ctx := context.Background()
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium), domain.ChannelEmail)

	_, err := f.store.ClaimDue(ctx, "crashed", noon, lease, 10)
	require.NoError(t, err)
	_, err = f.store.CancelNotification(ctx, "n1", noon)
	require.NoError(t, err)

	f.clock.Set(noon.Add(2 * lease))
	f.runAll(t)
	assert.Equal(t, domain.StatusCancelled, f.entry(t, "n1-email").Status)
	assert.Empty(t, f.adapter.Calls())
}

func TestProcess_SentEventCarriesLatency(t *testing.T) {
	f := newFixture(t, noon)
	n := notification("n1", domain.CategoryRewardMilestone, domain.PriorityMedium)
	n.CreatedAt = noon.Add(-90 * time.Second)
	f.seed(t, n, domain.ChannelInApp)

	f.runAll(t)
	events := f.events(t, "n1")
	require.Len(t, events, 1)
	assert.EqualValues(t, 90000, events[0].Metadata[ledger.MetadataLatencyMs])
}

func TestRunner_PriorityOrder(t *testing.T) {
	f := newFixture(t, noon)
	for _, n := range []*domain.Notification{
		notification("a", domain.CategoryRewardMilestone, domain.PriorityLow),
		notification("b", domain.CategoryRewardMilestone, domain.PriorityUrgent),
		notification("c", domain.CategoryRewardMilestone, domain.PriorityMedium),
		notification("d", domain.CategoryRewardMilestone, domain.PriorityUrgent),
	} {
		f.seed(t, n, domain.ChannelInApp)
	}

	r := NewRunner(f.d, f.store, nil, f.metrics, RunnerConfig{WorkerID: "w1", PollInterval: time.Second, BatchSize: 10, LeaseDuration: lease})
	r.now = f.clock.Now

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"b-in_app", "d-in_app", "c-in_app", "a-in_app"}, f.adapter.Calls())
	assert.Equal(t, float64(4), testutil.ToFloat64(f.metrics.ClaimedEntries))
}

func TestRunner_StartStops(t *testing.T) {
	f := newFixture(t, noon)
	f.seed(t, notification("n1", domain.CategoryRewardMilestone, domain.PriorityLow), domain.ChannelInApp)

	r := NewRunner(f.d, f.store, nil, nil, RunnerConfig{WorkerID: "w1", PollInterval: 10 * time.Millisecond, BatchSize: 10, LeaseDuration: lease})
	r.now = f.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	require.Eventually(t, func() bool {
		return len(f.adapter.Calls()) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
