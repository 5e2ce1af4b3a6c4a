package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/pkg/metrics"
	"cardpilot.io/notifier/internal/pkg/worker"
	"cardpilot.io/notifier/internal/repository"
)

// RunnerConfig controls polling and leasing.
type RunnerConfig struct {
	WorkerID      string
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
}

// Runner polls the queue and hands claimed entries to the dispatch pool.
type Runner struct {
	dispatcher *Dispatcher
	queue      repository.QueueStore
	pool       *worker.Pool
	metrics    *metrics.Metrics
	cfg        RunnerConfig
	now        func() time.Time
	log        *zap.Logger
	done       chan struct{}
}

// NewRunner creates a Runner. With a nil pool entries are processed inline.
func NewRunner(d *Dispatcher, queue repository.QueueStore, pool *worker.Pool, m *metrics.Metrics, cfg RunnerConfig) *Runner {
	return &Runner{
		dispatcher: d,
		queue:      queue,
		pool:       pool,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
		log:        logger.Named("dispatcher.runner"),
		done:       make(chan struct{}),
	}
}

// Start polls until ctx is cancelled. Done is closed when the loop exits.
func (r *Runner) Start(ctx context.Context) {
	r.log.Info("Dispatcher started",
		zap.String("worker_id", r.cfg.WorkerID),
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Int("batch_size", r.cfg.BatchSize),
	)
	go r.loop(ctx)
}

// Done is closed once the polling loop has stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// drain without waiting while full batches keep coming
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Error("Queue poll failed", zap.Error(err))
				}
				break
			}
			if n < r.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.log.Info("Dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and submits it. It returns how many entries were
// claimed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.queue.ClaimDue(ctx, r.cfg.WorkerID, r.now().UTC(), r.cfg.LeaseDuration, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if r.metrics != nil {
		r.metrics.ClaimedEntries.Add(float64(len(entries)))
	}

	for _, e := range entries {
		entry := e
		task := func(ctx context.Context) { r.process(ctx, entry) }
		if r.pool == nil {
			task(ctx)
			continue
		}
		// blocks while the pool is saturated
		if err := r.pool.Submit(ctx, task); err != nil {
			if errors.Is(err, worker.ErrPoolClosed) || ctx.Err() != nil {
				// unsubmitted entries are reclaimed after their lease expires
				return len(entries), err
			}
			r.log.Error("Failed to submit entry", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
	return len(entries), nil
}

func (r *Runner) process(ctx context.Context, e *domain.DeliveryEntry) {
	if _, err := r.dispatcher.Process(ctx, e); err != nil {
		r.log.Error("Entry processing failed",
			zap.String("entry_id", e.ID),
			zap.String("notification_id", e.NotificationID),
			zap.Error(err),
		)
	}
}
