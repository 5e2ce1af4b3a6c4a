// Package jobs defines the River periodic maintenance jobs.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/repository"
)

// Register adds the maintenance workers to workers.
func Register(workers *river.Workers, sweep *ExpirySweepWorker, rollup *MetricsRollupWorker) {
	river.AddWorker(workers, sweep)
	river.AddWorker(workers, rollup)
}

// PeriodicJobs schedules the sweep and the rollup. Both run once at start.
func PeriodicJobs(sweepInterval, rollupInterval time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(sweepInterval),
			func() (river.JobArgs, *river.InsertOpts) { return ExpirySweepArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(rollupInterval),
			func() (river.JobArgs, *river.InsertOpts) { return MetricsRollupArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// Scheduler runs periodic work in-process when no River client exists, as
// with the memory store.
type Scheduler struct {
	sweep          *ExpirySweepWorker
	rollup         *MetricsRollupWorker
	sweepInterval  time.Duration
	rollupInterval time.Duration
}

func NewScheduler(sweep *ExpirySweepWorker, rollup *MetricsRollupWorker, sweepInterval, rollupInterval time.Duration) *Scheduler {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if rollupInterval <= 0 {
		rollupInterval = time.Hour
	}
	return &Scheduler{sweep: sweep, rollup: rollup, sweepInterval: sweepInterval, rollupInterval: rollupInterval}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(s.sweepInterval)
	defer sweepTicker.Stop()
	rollupTicker := time.NewTicker(s.rollupInterval)
	defer rollupTicker.Stop()

	s.runSweep(ctx)
	s.runRollup(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			s.runSweep(ctx)
		case <-rollupTicker.C:
			s.runRollup(ctx)
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	if err := s.sweep.Work(ctx, nil); err != nil {
		logger.Warn("expiry sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) runRollup(ctx context.Context) {
	if err := s.rollup.Work(ctx, nil); err != nil {
		logger.Warn("metrics rollup failed", zap.Error(err))
	}
}

// lookupNotification returns nil when the notification cannot be read; the
// caller skips its event. Failures are logged but never propagated.
func lookupNotification(ctx context.Context, store repository.NotificationStore, id string) *domain.Notification {
	n, err := store.GetNotification(ctx, id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("failed to load notification for history event",
				zap.String("notification_id", id),
				zap.Error(err),
			)
		}
		return nil
	}
	return n
}

// recordBestEffort appends a ledger event. The queue change it describes is
// already durable, so failures are logged at warn level and not returned.
func recordBestEffort(ctx context.Context, l *ledger.Ledger, e *domain.HistoryEvent) {
	if err := l.Record(ctx, e); err != nil {
		logger.Warn("failed to record history event",
			zap.String("notification_id", e.NotificationID),
			zap.String("action", string(e.Action)),
			zap.Error(err),
		)
	}
}
