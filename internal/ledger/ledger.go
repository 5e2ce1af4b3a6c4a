// Package ledger appends history events and derives delivery metrics from
// them. The history store is the only source of truth; cached reports can
// always be recomputed.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/repository"
)

// MetadataLatencyMs is the sent-event metadata key holding the time from
// notification creation to successful delivery, in milliseconds.
const MetadataLatencyMs = "latency_ms"

// Ledger records history events and reports on them.
type Ledger struct {
	store repository.HistoryStore
	hooks *domain.EventDispatcher
	cache *ReportCache
	now   func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithCache serves Metrics through a rollup cache.
func WithCache(c *ReportCache) Option {
	return func(l *Ledger) { l.cache = c }
}

// WithClock overrides the ledger's clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger. hooks may be nil.
func New(store repository.HistoryStore, hooks *domain.EventDispatcher, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		hooks:   hooks,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewEventID returns a ULID stamped with t.
func (l *Ledger) NewEventID(t time.Time) string {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), l.entropy).String()
}

// Prepare validates e and stamps its id and time, for callers that append
// the event inside their own transaction.
func (l *Ledger) Prepare(e *domain.HistoryEvent) error {
	return l.prepare(e)
}

// Announce runs hooks for an event appended outside the ledger.
func (l *Ledger) Announce(ctx context.Context, e *domain.HistoryEvent) {
	l.dispatch(ctx, e)
}

func (l *Ledger) prepare(e *domain.HistoryEvent) error {
	if !e.Action.Valid() {
		return fmt.Errorf("invalid history action %q", e.Action)
	}
	if e.NotificationID == "" || e.UserID == "" {
		return fmt.Errorf("history event requires notification and user ids")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = l.NewEventID(e.OccurredAt)
	}
	return nil
}

// Record appends an event and notifies hooks.
func (l *Ledger) Record(ctx context.Context, e *domain.HistoryEvent) error {
	if err := l.prepare(e); err != nil {
		return err
	}
	if err := l.store.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", e.Action, err)
	}
	l.dispatch(ctx, e)
	return nil
}

// RecordOnce appends an event unless one with the same notification and
// action exists. It reports whether the event was appended; hooks only see
// appended events.
func (l *Ledger) RecordOnce(ctx context.Context, e *domain.HistoryEvent) (bool, error) {
	if err := l.prepare(e); err != nil {
		return false, err
	}
	appended, err := l.store.AppendEventOnce(ctx, e)
	if err != nil {
		return false, fmt.Errorf("append %s event: %w", e.Action, err)
	}
	if appended {
		l.dispatch(ctx, e)
	}
	return appended, nil
}

// Hooks are best effort: the event is already durable.
func (l *Ledger) dispatch(ctx context.Context, e *domain.HistoryEvent) {
	if l.hooks == nil {
		return
	}
	_ = l.hooks.Dispatch(ctx, e)
}

// Events lists ledger events.
func (l *Ledger) Events(ctx context.Context, f repository.EventFilter) ([]*domain.HistoryEvent, error) {
	return l.store.ListEvents(ctx, f)
}

// Metrics returns the report for f. Closed windows are served from the
// rollup cache when one is configured and warm; a window that has not
// ended yet is always computed so new events show up immediately.
func (l *Ledger) Metrics(ctx context.Context, f MetricsFilter) (*Report, error) {
	now := l.now()
	f = f.normalize(now)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	cacheable := l.cache != nil && f.closed(now)

	if cacheable {
		report, err := l.cache.Get(ctx, f)
		if err == nil {
			return report, nil
		}
		if err != errCacheMiss {
			logger.Warn("Metrics cache read failed", zap.String("key", f.Key()), zap.Error(err))
		}
	}

	report, err := l.Compute(ctx, f)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := l.cache.Put(ctx, report); err != nil {
			logger.Warn("Metrics cache write failed", zap.String("key", f.Key()), zap.Error(err))
		}
	}
	return report, nil
}

// Refresh recomputes the report for f and overwrites the cached rollup.
// Open windows are computed but not stored.
func (l *Ledger) Refresh(ctx context.Context, f MetricsFilter) (*Report, error) {
	now := l.now()
	f = f.normalize(now)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	report, err := l.Compute(ctx, f)
	if err != nil {
		return nil, err
	}
	if l.cache != nil && f.closed(now) {
		if err := l.cache.Put(ctx, report); err != nil {
			return nil, fmt.Errorf("store rollup %s: %w", f.Key(), err)
		}
	}
	return report, nil
}

// Compute aggregates the ledger for f without consulting the cache.
func (l *Ledger) Compute(ctx context.Context, f MetricsFilter) (*Report, error) {
	f = f.normalize(l.now())
	events, err := l.store.ListEvents(ctx, repository.EventFilter{
		UserID:   f.UserID,
		Category: f.Category,
		Channel:  f.Channel,
		From:     f.From,
		To:       f.To,
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	report := Aggregate(events)
	report.Filter = f
	report.ComputedAt = l.now().UTC()
	return report, nil
}
