// Package domain holds the notification engine's core types and the pure
// rules that operate on them: queue entry transitions, preference evaluation
// and quiet-hour arithmetic.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Category classifies what a notification is about.
type Category string

const (
	CategoryTransactionSuggestion Category = "transaction_suggestion"
	CategoryCardRecommendation    Category = "card_recommendation"
	CategorySpendingAlert         Category = "spending_alert"
	CategoryRewardMilestone       Category = "reward_milestone"
	CategoryPortfolioOptimization Category = "portfolio_optimization"
	CategorySystemAnnouncement    Category = "system_announcement"
	CategorySecurityAlert         Category = "security_alert"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryTransactionSuggestion,
	CategoryCardRecommendation,
	CategorySpendingAlert,
	CategoryRewardMilestone,
	CategoryPortfolioOptimization,
	CategorySystemAnnouncement,
	CategorySecurityAlert,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryTransactionSuggestion, CategoryCardRecommendation, CategorySpendingAlert,
		CategoryRewardMilestone, CategoryPortfolioOptimization, CategorySystemAnnouncement,
		CategorySecurityAlert:
		return true
	}
	return false
}

// Priority orders delivery. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityMedium: "medium",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// ErrUnknownPriority is returned when a priority name is not recognised.
var ErrUnknownPriority = errors.New("unknown priority")

// ParsePriority parses the textual form of a priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownPriority, s)
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// PayloadBenefitKey is the payload field carrying the estimated dollar
// benefit of acting on a notification.
const PayloadBenefitKey = "estimated_benefit"

// Notification is an immutable message addressed to one user.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Category  Category               `json:"category"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  Priority               `json:"priority"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt *time.Time             `json:"expires_at,omitempty"`
}

// Expired reports whether the notification's validity window has passed.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// BypassesQuietHours reports whether the notification is delivered even
// inside a quiet window.
func (n *Notification) BypassesQuietHours() bool {
	return n.Priority == PriorityUrgent || n.Category == CategorySecurityAlert
}

// EstimatedBenefit returns the payload's estimated benefit, if it carries a
// parseable one.
func (n *Notification) EstimatedBenefit() (decimal.Decimal, bool) {
	raw, ok := n.Payload[PayloadBenefitKey]
	if !ok || raw == nil {
		return decimal.Zero, false
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case decimal.Decimal:
		return v, true
	}
	return decimal.Zero, false
}
