package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cardpilot.io/notifier/internal/domain"
)

// DefaultWindow is the metrics period used when a filter names none.
const DefaultWindow = 24 * time.Hour

// MetricsFilter selects the events a report aggregates. From is inclusive,
// To exclusive.
type MetricsFilter struct {
	UserID   string          `json:"user_id,omitempty"`
	Category domain.Category `json:"category,omitempty"`
	Channel  domain.Channel  `json:"channel,omitempty"`
	From     time.Time       `json:"from"`
	To       time.Time       `json:"to"`
}

// normalize fills a missing period with the hour-aligned window ending at
// the next hour boundary, so repeated default queries share a rollup key.
func (f MetricsFilter) normalize(now time.Time) MetricsFilter {
	if f.To.IsZero() {
		f.To = now.UTC().Truncate(time.Hour).Add(time.Hour)
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-DefaultWindow)
	}
	f.From = f.From.UTC()
	f.To = f.To.UTC()
	return f
}

// closed reports whether the window ended at or before now, so no new
// event can fall into it.
func (f MetricsFilter) closed(now time.Time) bool {
	return !f.To.After(now)
}

// LastClosedWindow is the DefaultWindow-long period ending at the most
// recent hour boundary.
func LastClosedWindow(now time.Time) (from, to time.Time) {
	to = now.UTC().Truncate(time.Hour)
	return to.Add(-DefaultWindow), to
}

// Validate checks the filter's fields.
func (f MetricsFilter) Validate() error {
	if f.Category != "" && !f.Category.Valid() {
		return fmt.Errorf("invalid category %q", f.Category)
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return fmt.Errorf("invalid channel %q", f.Channel)
	}
	if !f.From.Before(f.To) {
		return fmt.Errorf("period start must precede its end")
	}
	return nil
}

// Key identifies the filter in the rollup cache.
func (f MetricsFilter) Key() string {
	var b strings.Builder
	b.WriteString("u=")
	b.WriteString(f.UserID)
	b.WriteString("|cat=")
	b.WriteString(string(f.Category))
	b.WriteString("|ch=")
	b.WriteString(string(f.Channel))
	b.WriteString("|")
	b.WriteString(strconv.FormatInt(f.From.Unix(), 10))
	b.WriteString("-")
	b.WriteString(strconv.FormatInt(f.To.Unix(), 10))
	return b.String()
}

// Report is an aggregate over ledger events.
type Report struct {
	Filter MetricsFilter         `json:"filter"`
	Counts map[domain.Action]int `json:"counts"`

	// AvgDeliveryLatencyMs averages creation-to-sent latency over sent events.
	AvgDeliveryLatencyMs float64   `json:"avg_delivery_latency_ms"`
	EngagementRate       float64   `json:"engagement_rate"`
	ComputedAt           time.Time `json:"computed_at"`
}

// Aggregate derives a report from events. Engagement is the share of
// distinct sent notifications that were read or clicked.
func Aggregate(events []*domain.HistoryEvent) *Report {
	r := &Report{Counts: make(map[domain.Action]int, len(domain.Actions))}
	for _, a := range domain.Actions {
		r.Counts[a] = 0
	}

	sent := make(map[string]struct{})
	engaged := make(map[string]struct{})
	var latencySum float64
	var latencyN int

	for _, e := range events {
		r.Counts[e.Action]++
		switch e.Action {
		case domain.ActionSent:
			sent[e.NotificationID] = struct{}{}
			if ms, ok := metadataFloat(e.Metadata, MetadataLatencyMs); ok {
				latencySum += ms
				latencyN++
			}
		case domain.ActionRead, domain.ActionClicked:
			engaged[e.NotificationID] = struct{}{}
		}
	}

	if latencyN > 0 {
		r.AvgDeliveryLatencyMs = latencySum / float64(latencyN)
	}
	if len(sent) > 0 {
		var n int
		for id := range engaged {
			if _, ok := sent[id]; ok {
				n++
			}
		}
		r.EngagementRate = float64(n) / float64(len(sent))
	}
	return r
}

func metadataFloat(md map[string]interface{}, key string) (float64, bool) {
	switch v := md[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
