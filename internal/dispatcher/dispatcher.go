// Package dispatcher drives claimed delivery queue entries to a terminal
// state or a reschedule.
//
// Per entry the checks run in order: cancellation, expiry, preferences,
// quiet hours, frequency cap, then the channel adapter. Every resolution is
// guarded by the worker's lease; an outcome whose lease was lost is
// discarded without ledger side effects, and an entry whose lease ran out
// before its attempt never reaches the adapter.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/channel"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/pkg/metrics"
	"cardpilot.io/notifier/internal/repository"
)

// Reasons stored on rescheduled entries.
const (
	ReasonQuietHours   = "deferred by quiet hours"
	ReasonFrequencyCap = "deferred by frequency cap"
)

// Store is the persistence the dispatcher reads and resolves through.
type Store interface {
	repository.NotificationStore
	repository.QueueStore
	repository.PreferenceStore
}

// Publisher pushes a delivered in-app notification to live sessions. It
// must not block.
type Publisher interface {
	Publish(ctx context.Context, n *domain.Notification)
}

// Config holds the dispatcher's tunables.
type Config struct {
	WorkerID       string
	AdapterTimeout time.Duration
	// MaxAttempts applies to entries that carry none.
	MaxAttempts int
	Backoff     Backoff
}

// Dispatcher processes one claimed entry at a time; it is safe for
// concurrent use.
type Dispatcher struct {
	store     Store
	ledger    *ledger.Ledger
	adapters  *channel.Registry
	limiter   FrequencyLimiter
	publisher Publisher
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	log       *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter enables frequency capping.
func WithLimiter(l FrequencyLimiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithPublisher enables realtime push of in-app deliveries.
func WithPublisher(p Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the dispatcher's clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a Dispatcher.
func New(store Store, l *ledger.Ledger, adapters *channel.Registry, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultMaxAttempts
	}
	d := &Dispatcher{
		store:    store,
		ledger:   l,
		adapters: adapters,
		cfg:      cfg,
		now:      time.Now,
		log:      logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process drives a claimed entry and returns the outcome label. An error
// means the entry was left processing; its lease expiry makes it
// reclaimable.
func (d *Dispatcher) Process(ctx context.Context, e *domain.DeliveryEntry) (string, error) {
	now := d.now().UTC()
	log := d.log.With(
		zap.String("entry_id", e.ID),
		zap.String("notification_id", e.NotificationID),
		zap.String("channel", string(e.Channel)),
	)

	if e.CancelRequested {
		return d.finish(ctx, log, e, nil, resolution{status: domain.StatusCancelled, attempts: e.Attempts, reason: domain.ReasonCancelled}, metrics.OutcomeSuppressed)
	}

	n, err := d.store.GetNotification(ctx, e.NotificationID)
	if errors.Is(err, repository.ErrNotFound) {
		return d.finish(ctx, log, e, nil, resolution{status: domain.StatusFailed, attempts: e.Attempts, reason: "notification not found"}, metrics.OutcomePermanent)
	}
	if err != nil {
		return "", fmt.Errorf("load notification %s: %w", e.NotificationID, err)
	}

	if n.Expired(now) {
		return d.finish(ctx, log, e, n, resolution{
			status:   domain.StatusFailed,
			attempts: e.Attempts,
			reason:   domain.ReasonExpired,
			event:    domain.ActionExpired,
		}, metrics.OutcomeExpired)
	}

	prefs, err := d.preferences(ctx, n.UserID)
	if err != nil {
		return "", err
	}
	if ok, why := prefs.Allows(n, e.Channel); !ok {
		log.Debug("Delivery suppressed", zap.String("rule", why))
		return d.finish(ctx, log, e, n, resolution{status: domain.StatusCancelled, attempts: e.Attempts, reason: domain.ReasonSuppressed}, metrics.OutcomeSuppressed)
	}

	if e.Channel.Interruptive() && !n.BypassesQuietHours() {
		if until, quiet := prefs.QuietUntil(now); quiet {
			return d.finish(ctx, log, e, n, resolution{
				status:      domain.StatusPending,
				attempts:    e.Attempts,
				scheduledAt: until,
				reason:      ReasonQuietHours,
			}, metrics.OutcomeDeferred)
		}
		if d.limiter != nil {
			allowed, resetAt, err := d.limiter.Allow(ctx, n.UserID, e.Channel, now)
			if err != nil {
				// the cap is advisory; a Redis outage must not stall delivery
				log.Warn("Frequency cap check failed", zap.Error(err))
			} else if !allowed {
				return d.finish(ctx, log, e, n, resolution{
					status:      domain.StatusPending,
					attempts:    e.Attempts,
					scheduledAt: resetAt,
					reason:      ReasonFrequencyCap,
				}, metrics.OutcomeDeferred)
			}
		}
	}

	return d.deliver(ctx, log, e, n, now)
}

func (d *Dispatcher) preferences(ctx context.Context, userID string) (*domain.Preferences, error) {
	p, err := d.store.GetPreferences(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	return p, nil
}

func (d *Dispatcher) deliver(ctx context.Context, log *zap.Logger, e *domain.DeliveryEntry, n *domain.Notification, now time.Time) (string, error) {
	// The entry may have waited for a pool slot past its lease; another
	// worker can hold it by now.
	if e.LeaseExpired(d.now()) {
		log.Warn("Lease expired before attempt, skipping", zap.Timep("lease_expires_at", e.LeaseExpiresAt))
		d.count(e.Channel, metrics.OutcomeLeaseLost)
		return metrics.OutcomeLeaseLost, nil
	}

	start := time.Now()
	result := d.attempt(ctx, e, n)
	if d.metrics != nil {
		d.metrics.AdapterDuration.WithLabelValues(string(e.Channel)).Observe(time.Since(start).Seconds())
	}

	attempts := e.Attempts + 1
	maxAttempts := e.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	done := d.now().UTC()
	res := resolution{attempts: attempts, attemptedAt: &done}

	switch result.Kind {
	case channel.KindSuccess:
		res.status = domain.StatusCompleted
		res.event = domain.ActionSent
		res.metadata = map[string]interface{}{
			ledger.MetadataLatencyMs: done.Sub(n.CreatedAt).Milliseconds(),
			"attempts":               attempts,
		}
		outcome, err := d.finish(ctx, log, e, n, res, metrics.OutcomeSuccess)
		if err == nil && outcome == metrics.OutcomeSuccess && e.Channel == domain.ChannelInApp && d.publisher != nil {
			d.publisher.Publish(ctx, n)
		}
		return outcome, err

	case channel.KindTransient:
		res.reason = result.Reason
		if attempts < maxAttempts {
			res.status = domain.StatusPending
			res.scheduledAt = now.Add(d.cfg.Backoff.Delay(attempts))
			log.Info("Delivery attempt failed, retrying",
				zap.Int("attempts", attempts),
				zap.Time("retry_at", res.scheduledAt),
				zap.String("reason", result.Reason),
			)
			return d.finish(ctx, log, e, n, res, metrics.OutcomeTransient)
		}
		res.status = domain.StatusFailed
		res.event = domain.ActionFailed
		res.metadata = map[string]interface{}{"reason": result.Reason, "attempts": attempts, "kind": "transient"}
		return d.finish(ctx, log, e, n, res, metrics.OutcomeTransient)

	default:
		res.status = domain.StatusFailed
		res.reason = result.Reason
		res.event = domain.ActionFailed
		res.metadata = map[string]interface{}{"reason": result.Reason, "attempts": attempts, "kind": "permanent"}
		return d.finish(ctx, log, e, n, res, metrics.OutcomePermanent)
	}
}

// attempt bounds the adapter call. An adapter that ignores its context is
// abandoned and reported as a transient failure.
func (d *Dispatcher) attempt(ctx context.Context, e *domain.DeliveryEntry, n *domain.Notification) channel.Result {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AdapterTimeout)
	defer cancel()

	done := make(chan channel.Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- channel.Transient("adapter panic: %v", p)
			}
		}()
		done <- d.adapters.Deliver(actx, e, n)
	}()

	select {
	case r := <-done:
		return r
	case <-actx.Done():
		return channel.Transient("adapter timed out after %s", d.cfg.AdapterTimeout)
	}
}

type resolution struct {
	status      domain.DeliveryStatus
	attempts    int
	scheduledAt time.Time
	reason      string
	attemptedAt *time.Time
	event       domain.Action
	metadata    map[string]interface{}
}

// finish stores the resolution together with its ledger event, so a
// terminal entry never lacks its sent or failed record. Hooks run only
// once both are durable.
func (d *Dispatcher) finish(ctx context.Context, log *zap.Logger, e *domain.DeliveryEntry, n *domain.Notification, r resolution, outcome string) (string, error) {
	var event *domain.HistoryEvent
	if r.event != "" && n != nil {
		event = &domain.HistoryEvent{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Category:       n.Category,
			Channel:        e.Channel,
			Action:         r.event,
			Metadata:       r.metadata,
		}
		if err := d.ledger.Prepare(event); err != nil {
			return "", fmt.Errorf("prepare %s event for entry %s: %w", r.event, e.ID, err)
		}
	}

	stored, err := d.store.Resolve(ctx, domain.Resolution{
		EntryID:     e.ID,
		WorkerID:    d.cfg.WorkerID,
		Status:      r.status,
		Attempts:    r.attempts,
		ScheduledAt: r.scheduledAt,
		LastError:   r.reason,
		AttemptedAt: r.attemptedAt,
		At:          d.now().UTC(),
		Event:       event,
	})
	if errors.Is(err, repository.ErrLeaseLost) {
		log.Warn("Lease lost, discarding outcome", zap.String("status", string(r.status)))
		d.count(e.Channel, metrics.OutcomeLeaseLost)
		return metrics.OutcomeLeaseLost, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve entry %s: %w", e.ID, err)
	}

	if stored != r.status {
		// a cancellation arrived while the attempt was in flight
		log.Info("Entry cancelled during attempt", zap.String("requested", string(r.status)))
		outcome = metrics.OutcomeSuppressed
	}
	d.count(e.Channel, outcome)
	if event != nil {
		d.ledger.Announce(ctx, event)
	}

	log.Debug("Entry resolved",
		zap.String("status", string(stored)),
		zap.Int("attempts", r.attempts),
		zap.String("outcome", outcome),
	)
	return outcome, nil
}

func (d *Dispatcher) count(ch domain.Channel, outcome string) {
	if d.metrics != nil {
		d.metrics.DeliveryOutcomes.WithLabelValues(string(ch), outcome).Inc()
	}
}
