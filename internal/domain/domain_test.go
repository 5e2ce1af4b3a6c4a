package domain

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_TextRoundTripAndOrder(t *testing.T) {
	raw := []byte(`{"priority":"urgent"}`)
	var v struct {
		Priority Priority `json:"priority"`
	}
	require.NoError(t, json.Unmarshal(raw, &v))
	assert.Equal(t, PriorityUrgent, v.Priority)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"priority":"critical"}`), &v))
	assert.True(t, PriorityUrgent > PriorityHigh && PriorityHigh > PriorityMedium && PriorityMedium > PriorityLow)
}

func TestDeliveryStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestDeliveryEntry_Due(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&DeliveryEntry{Status: StatusPending, ScheduledAt: now}).Due(now))
	assert.False(t, (&DeliveryEntry{Status: StatusPending, ScheduledAt: future}).Due(now))
	assert.True(t, (&DeliveryEntry{Status: StatusProcessing, LeaseExpiresAt: &past}).Due(now))
	assert.False(t, (&DeliveryEntry{Status: StatusProcessing, LeaseExpiresAt: &future}).Due(now))
	assert.False(t, (&DeliveryEntry{Status: StatusCompleted, ScheduledAt: past}).Due(now))
}

func TestDeliveryOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []*DeliveryEntry{
		{ID: "low-old", Priority: PriorityLow, ScheduledAt: base.Add(-time.Hour)},
		{ID: "urgent-new", Priority: PriorityUrgent, ScheduledAt: base},
		{ID: "high-b", Priority: PriorityHigh, ScheduledAt: base},
		{ID: "high-a", Priority: PriorityHigh, ScheduledAt: base},
		{ID: "high-old", Priority: PriorityHigh, ScheduledAt: base.Add(-time.Minute)},
	}
	sort.Slice(entries, func(i, j int) bool { return DeliveryOrder(entries[i], entries[j]) })

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"urgent-new", "high-old", "high-a", "high-b", "low-old"}, ids)
}

func TestResolution_Validate(t *testing.T) {
	ok := Resolution{EntryID: "e", WorkerID: "w", Status: StatusCompleted}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Status = StatusProcessing
	assert.Error(t, bad.Validate())

	resched := ok
	resched.Status = StatusPending
	assert.Error(t, resched.Validate())
	resched.ScheduledAt = time.Now()
	assert.NoError(t, resched.Validate())
}

func TestPreferences_Allows(t *testing.T) {
	spending := &Notification{Category: CategorySpendingAlert, Priority: PriorityMedium}
	security := &Notification{Category: CategorySecurityAlert, Priority: PriorityLow}
	suggestion := &Notification{
		Category: CategoryTransactionSuggestion,
		Priority: PriorityMedium,
		Payload:  map[string]interface{}{PayloadBenefitKey: 4.5},
	}

	tests := []struct {
		name    string
		prefs   func(p *Preferences)
		n       *Notification
		channel Channel
		want    bool
		reason  string
	}{
		{"defaults allow", func(p *Preferences) {}, spending, ChannelPush, true, ""},
		{"master off", func(p *Preferences) { p.Enabled = false }, spending, ChannelInApp, false, "notifications disabled"},
		{"master off spares security", func(p *Preferences) { p.Enabled = false }, security, ChannelSMS, true, ""},
		{
			"category disabled",
			func(p *Preferences) {
				p.Categories = map[Category]CategoryPreference{CategorySpendingAlert: {Enabled: false}}
			},
			spending, ChannelInApp, false, "category disabled",
		},
		{
			"channel not allowed",
			func(p *Preferences) {
				p.Categories = map[Category]CategoryPreference{
					CategorySpendingAlert: {Enabled: true, Channels: []Channel{ChannelInApp}},
				}
			},
			spending, ChannelPush, false, "channel disabled for category",
		},
		{"below min priority", func(p *Preferences) { p.MinPriority = PriorityHigh }, spending, ChannelInApp, false, "priority below minimum"},
		{
			"benefit below threshold",
			func(p *Preferences) {
				p.Categories = map[Category]CategoryPreference{
					CategoryTransactionSuggestion: {Enabled: true, MinBenefit: decimal.NewFromInt(5)},
				}
			},
			suggestion, ChannelInApp, false, "benefit below threshold",
		},
		{
			"benefit meets threshold",
			func(p *Preferences) {
				p.Categories = map[Category]CategoryPreference{
					CategoryTransactionSuggestion: {Enabled: true, MinBenefit: decimal.RequireFromString("4.50")},
				}
			},
			suggestion, ChannelInApp, true, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPreferences("u1")
			tt.prefs(p)
			got, reason := p.Allows(tt.n, tt.channel)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestQuietHours_Until(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name   string
		q      QuietHours
		local  time.Time
		want   time.Time
		inside bool
	}{
		{
			name:   "spanning midnight before midnight",
			q:      QuietHours{Start: "22:00", End: "08:00"},
			local:  time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
			inside: true,
		},
		{
			name:   "spanning midnight after midnight",
			q:      QuietHours{Start: "22:00", End: "08:00"},
			local:  time.Date(2026, 3, 11, 2, 15, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
			inside: true,
		},
		{
			name:  "outside spanning window",
			q:     QuietHours{Start: "22:00", End: "08:00"},
			local: time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC),
		},
		{
			name:   "same-day window",
			q:      QuietHours{Start: "12:00", End: "13:30"},
			local:  time.Date(2026, 3, 11, 12, 45, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 11, 13, 30, 0, 0, time.UTC),
			inside: true,
		},
		{
			name:   "user timezone converted to UTC",
			q:      QuietHours{Start: "21:00", End: "07:00"},
			local:  time.Date(2026, 7, 1, 22, 0, 0, 0, ny),
			want:   time.Date(2026, 7, 2, 11, 0, 0, 0, time.UTC),
			inside: true,
		},
		{
			name:  "empty window",
			q:     QuietHours{Start: "09:00", End: "09:00"},
			local: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, inside := tt.q.Until(tt.local)
			require.Equal(t, tt.inside, inside)
			if inside {
				assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
			}
		})
	}
}

func TestPreferences_Validate(t *testing.T) {
	p := DefaultPreferences("u1")
	require.NoError(t, p.Validate())

	p.QuietHours = &QuietHours{Start: "25:00", End: "08:00"}
	assert.Error(t, p.Validate())

	p = DefaultPreferences("u1")
	p.Timezone = "Mars/Olympus"
	assert.Error(t, p.Validate())

	p = DefaultPreferences("u1")
	p.Categories = map[Category]CategoryPreference{CategorySpendingAlert: {Enabled: true, Channels: []Channel{"fax"}}}
	assert.Error(t, p.Validate())
}

func TestNotification_EstimatedBenefit(t *testing.T) {
	n := &Notification{Payload: map[string]interface{}{PayloadBenefitKey: "12.30"}}
	got, ok := n.EstimatedBenefit()
	require.True(t, ok)
	assert.True(t, got.Equal(decimal.RequireFromString("12.3")))

	_, ok = (&Notification{}).EstimatedBenefit()
	assert.False(t, ok)
}

func TestNotification_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	assert.True(t, (&Notification{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&Notification{}).Expired(now))
}

func TestEventDispatcher(t *testing.T) {
	d := NewEventDispatcher()
	var all, sent int
	d.Register("", func(ctx context.Context, e *HistoryEvent) error { all++; return nil })
	d.Register(ActionSent, func(ctx context.Context, e *HistoryEvent) error { sent++; return errors.New("hook down") })
	d.Register(ActionSent, func(ctx context.Context, e *HistoryEvent) error { sent++; return nil })

	err := d.Dispatch(context.Background(), &HistoryEvent{ID: "1", Action: ActionSent})
	require.Error(t, err)
	assert.Equal(t, 1, all)
	assert.Equal(t, 2, sent, "a failing hook must not stop later hooks")

	require.NoError(t, d.Dispatch(context.Background(), &HistoryEvent{ID: "2", Action: ActionRead}))
	assert.Equal(t, 2, all)
}

func TestValidE164(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"+14155550100", true},
		{"+4930123", true},
		{"+123456789012345", true},
		{"+1234567890123456", false},
		{"+493012", false},
		{"+04155550100", false},
		{"14155550100", false},
		{"+1 415 555 0100", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidE164(tt.in), tt.in)
	}
}

func TestContacts_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       Contacts
		wantErr string
	}{
		{"empty", Contacts{}, ""},
		{"all valid", Contacts{Email: "a@example.com", Phone: "+14155550100", WebhookURL: "https://hooks.example.com/x", DeviceTokens: []string{"t1"}}, ""},
		{"bad email", Contacts{Email: "nope"}, "email"},
		{"phone without plus", Contacts{Phone: "14155550100"}, "phone"},
		{"phone with letters", Contacts{Phone: "+1415555abcd"}, "phone"},
		{"relative webhook", Contacts{WebhookURL: "/hook"}, "webhook_url"},
		{"ftp webhook", Contacts{WebhookURL: "ftp://example.com"}, "webhook_url"},
		{"blank device token", Contacts{DeviceTokens: []string{""}}, "device_tokens[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
