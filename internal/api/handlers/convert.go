package handlers

import (
	"strconv"
	"time"

	"cardpilot.io/notifier/internal/domain"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

type deliveryList struct {
	Items []*domain.DeliveryEntry `json:"items"`
}

// inboxItem is a notification as the pull query returns it.
type inboxItem struct {
	domain.Notification
	DeliveredAt time.Time `json:"delivered_at"`
}

type inboxList struct {
	Items []inboxItem `json:"items"`
}

func inboxToAPI(entries []domain.InboxEntry) inboxList {
	items := make([]inboxItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, inboxItem{Notification: e.Notification, DeliveredAt: e.Item.DeliveredAt})
	}
	return inboxList{Items: items}
}

// inboxLimit clamps the limit query parameter.
func inboxLimit(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultInboxLimit
	}
	if n > maxInboxLimit {
		return maxInboxLimit
	}
	return n
}

// parseTimeParam parses an optional RFC 3339 query parameter.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
