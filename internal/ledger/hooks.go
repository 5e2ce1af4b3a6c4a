package ledger

import (
	"context"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/pkg/metrics"
)

// CountEvents registers a hook that counts appended events by action.
func CountEvents(d *domain.EventDispatcher, m *metrics.Metrics) {
	d.Register("", func(_ context.Context, e *domain.HistoryEvent) error {
		m.LedgerEvents.WithLabelValues(string(e.Action)).Inc()
		return nil
	})
}
