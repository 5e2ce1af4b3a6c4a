package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultMaxVisible is the visible-at-once cap for users without preferences.
const DefaultMaxVisible = 5

// CategoryPreference is a user's setting for one category.
type CategoryPreference struct {
	Enabled bool `json:"enabled"`
	// Channels restricts delivery to the listed channels. Empty allows all.
	Channels []Channel `json:"channels,omitempty"`
	// MinBenefit suppresses notifications whose estimated benefit is lower.
	MinBenefit decimal.Decimal `json:"min_benefit"`
}

// QuietHours is a daily local-time window in "HH:MM" form. The window may
// span midnight. Equal or empty bounds mean no window.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Preferences is one user's delivery configuration.
type Preferences struct {
	UserID      string                          `json:"user_id"`
	Enabled     bool                            `json:"enabled"`
	MinPriority Priority                        `json:"min_priority"`
	Categories  map[Category]CategoryPreference `json:"categories,omitempty"`
	QuietHours  *QuietHours                     `json:"quiet_hours,omitempty"`
	Timezone    string                          `json:"timezone"`
	MaxVisible  int                             `json:"max_visible"`
	UpdatedAt   time.Time                       `json:"updated_at"`
}

// DefaultPreferences returns the settings applied when a user has none.
func DefaultPreferences(userID string) *Preferences {
	return &Preferences{
		UserID:      userID,
		Enabled:     true,
		MinPriority: PriorityLow,
		Timezone:    "UTC",
		MaxVisible:  DefaultMaxVisible,
	}
}

// Validate checks user-supplied preferences.
func (p *Preferences) Validate() error {
	if !p.MinPriority.Valid() {
		return fmt.Errorf("min_priority: invalid value")
	}
	if p.MaxVisible < 1 {
		return fmt.Errorf("max_visible: must be at least 1")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	for cat, cp := range p.Categories {
		if !cat.Valid() {
			return fmt.Errorf("categories: unknown category %q", cat)
		}
		for _, ch := range cp.Channels {
			if !ch.Valid() {
				return fmt.Errorf("categories.%s.channels: unknown channel %q", cat, ch)
			}
		}
		if cp.MinBenefit.IsNegative() {
			return fmt.Errorf("categories.%s.min_benefit: must not be negative", cat)
		}
	}
	if p.QuietHours != nil {
		if _, err := parseClock(p.QuietHours.Start); err != nil {
			return fmt.Errorf("quiet_hours.start: %w", err)
		}
		if _, err := parseClock(p.QuietHours.End); err != nil {
			return fmt.Errorf("quiet_hours.end: %w", err)
		}
	}
	return nil
}

// Location returns the user's timezone, falling back to UTC.
func (p *Preferences) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil || p.Timezone == "" {
		return time.UTC
	}
	return loc
}

// Allows reports whether n may be delivered on ch. The reason is set when
// delivery is suppressed.
func (p *Preferences) Allows(n *Notification, ch Channel) (bool, string) {
	if !p.Enabled && n.Category != CategorySecurityAlert {
		return false, "notifications disabled"
	}
	if cp, ok := p.Categories[n.Category]; ok {
		if !cp.Enabled {
			return false, "category disabled"
		}
		if len(cp.Channels) > 0 && !slices.Contains(cp.Channels, ch) {
			return false, "channel disabled for category"
		}
		if cp.MinBenefit.IsPositive() {
			if benefit, ok := n.EstimatedBenefit(); ok && benefit.LessThan(cp.MinBenefit) {
				return false, "benefit below threshold"
			}
		}
	}
	if p.MinPriority.Valid() && n.Priority < p.MinPriority {
		return false, "priority below minimum"
	}
	return true, ""
}

// QuietUntil returns the end of the quiet window containing now, in UTC.
// ok is false when now is outside any window.
func (p *Preferences) QuietUntil(now time.Time) (time.Time, bool) {
	if p.QuietHours == nil {
		return time.Time{}, false
	}
	return p.QuietHours.Until(now.In(p.Location()))
}

// Until returns the end of the window containing local, in UTC. local must
// already be in the user's timezone.
func (q QuietHours) Until(local time.Time) (time.Time, bool) {
	start, err := parseClock(q.Start)
	if err != nil {
		return time.Time{}, false
	}
	end, err := parseClock(q.End)
	if err != nil || start == end {
		return time.Time{}, false
	}

	m := local.Hour()*60 + local.Minute()
	var inside bool
	if start < end {
		inside = m >= start && m < end
	} else {
		inside = m >= start || m < end
	}
	if !inside {
		return time.Time{}, false
	}

	y, mo, d := local.Date()
	until := time.Date(y, mo, d, end/60, end%60, 0, 0, local.Location())
	if !until.After(local) {
		until = time.Date(y, mo, d+1, end/60, end%60, 0, 0, local.Location())
	}
	return until.UTC(), true
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
