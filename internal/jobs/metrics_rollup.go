package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// MetricsRollupArgs is a periodic job that warms the metrics cache with the
// last-24h global view and one view per category.
type MetricsRollupArgs struct{}

// Kind returns the job kind identifier for the metrics rollup.
func (MetricsRollupArgs) Kind() string { return "metrics_rollup" }

// InsertOpts ensures at most one rollup is enqueued per hour.
func (MetricsRollupArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// MetricsRollupWorker recomputes the standard views.
type MetricsRollupWorker struct {
	river.WorkerDefaults[MetricsRollupArgs]
	ledger *ledger.Ledger
	now    func() time.Time
}

// NewMetricsRollupWorker creates the rollup worker.
func NewMetricsRollupWorker(l *ledger.Ledger) *MetricsRollupWorker {
	return &MetricsRollupWorker{ledger: l, now: time.Now}
}

// RollupFilters lists the views the rollup warms: global, then one per
// category, each over the last closed window. Open windows are never
// cached, so warming them would be wasted work.
func RollupFilters(now time.Time) []ledger.MetricsFilter {
	from, to := ledger.LastClosedWindow(now)
	filters := make([]ledger.MetricsFilter, 0, len(domain.Categories)+1)
	filters = append(filters, ledger.MetricsFilter{From: from, To: to})
	for _, c := range domain.Categories {
		filters = append(filters, ledger.MetricsFilter{Category: c, From: from, To: to})
	}
	return filters
}

// Work refreshes every view. A failing view does not stop the others; the
// job fails if any view failed so River retries it.
func (w *MetricsRollupWorker) Work(ctx context.Context, _ *river.Job[MetricsRollupArgs]) error {
	if w == nil || w.ledger == nil {
		return fmt.Errorf("metrics rollup worker is not initialized")
	}

	filters := RollupFilters(w.now())
	var failed int
	for _, f := range filters {
		if _, err := w.ledger.Refresh(ctx, f); err != nil {
			failed++
			logger.Warn("metrics rollup view failed",
				zap.String("category", string(f.Category)),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		return fmt.Errorf("metrics rollup: %d views failed", failed)
	}
	logger.Info("metrics rollup completed", zap.Int("views", len(filters)))
	return nil
}
