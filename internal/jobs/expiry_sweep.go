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
	"cardpilot.io/notifier/internal/repository"
)

// DefaultSweepBatch bounds the entries expired per store call.
const DefaultSweepBatch = 500

// ExpirySweepArgs is a periodic maintenance job that fails pending queue
// entries whose notification expired before they were claimed.
type ExpirySweepArgs struct{}

// Kind returns the job kind identifier for the expiry sweep.
func (ExpirySweepArgs) Kind() string { return "expiry_sweep" }

// InsertOpts keeps at most one sweep per minute.
func (ExpirySweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SweepStore is the persistence the sweep touches.
type SweepStore interface {
	repository.QueueStore
	repository.NotificationStore
}

// ExpirySweepWorker fails expired entries and records an expired event for
// each.
type ExpirySweepWorker struct {
	river.WorkerDefaults[ExpirySweepArgs]
	store  SweepStore
	ledger *ledger.Ledger
	batch  int
	now    func() time.Time
}

// NewExpirySweepWorker creates the sweep worker. Non-positive batch falls
// back to DefaultSweepBatch.
func NewExpirySweepWorker(store SweepStore, l *ledger.Ledger, batch int) *ExpirySweepWorker {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &ExpirySweepWorker{store: store, ledger: l, batch: batch, now: time.Now}
}

// Work expires entries in batches until none are left.
func (w *ExpirySweepWorker) Work(ctx context.Context, _ *river.Job[ExpirySweepArgs]) error {
	if w == nil || w.store == nil || w.ledger == nil {
		return fmt.Errorf("expiry sweep worker is not initialized")
	}
	expired, err := w.Sweep(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		logger.Info("expiry sweep completed", zap.Int("expired_entries", expired))
	}
	return nil
}

// Sweep runs one full pass and returns how many entries it expired.
func (w *ExpirySweepWorker) Sweep(ctx context.Context) (int, error) {
	notifications := make(map[string]*domain.Notification)
	total := 0
	for {
		entries, err := w.store.ExpirePending(ctx, w.now().UTC(), w.batch)
		if err != nil {
			return total, fmt.Errorf("expire pending entries: %w", err)
		}
		for _, e := range entries {
			n, ok := notifications[e.NotificationID]
			if !ok {
				n = lookupNotification(ctx, w.store, e.NotificationID)
				notifications[e.NotificationID] = n
			}
			if n == nil {
				continue
			}
			recordBestEffort(ctx, w.ledger, &domain.HistoryEvent{
				NotificationID: n.ID,
				UserID:         n.UserID,
				Category:       n.Category,
				Channel:        e.Channel,
				Action:         domain.ActionExpired,
				Metadata:       map[string]interface{}{"entry_id": e.ID, "source": "sweep"},
			})
		}
		total += len(entries)
		if len(entries) < w.batch {
			return total, nil
		}
	}
}
