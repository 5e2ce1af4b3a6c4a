// Package ingest consumes notification facts from Kafka and hands them to
// the notification service.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/dispatcher"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/notification"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/pkg/metrics"
)

// Results recorded on the ingest counter.
const (
	ResultAccepted  = "accepted"
	ResultMalformed = "malformed"
	ResultRejected  = "rejected"
	ResultRetried   = "retried"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier accepts a notification fact.
type Notifier interface {
	Notify(ctx context.Context, req notification.Request) (*domain.Notification, error)
}

// Consumer reads facts with explicit commits. A message is committed once it
// was accepted or found unusable; store failures are retried with backoff
// and the offset is held until they succeed.
type Consumer struct {
	reader   MessageReader
	notifier Notifier
	metrics  *metrics.Metrics
	retry    dispatcher.Backoff
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewConsumer(reader MessageReader, n Notifier, m *metrics.Metrics) *Consumer {
	return &Consumer{
		reader:   reader,
		notifier: n,
		metrics:  m,
		retry:    dispatcher.Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second},
		log:      logger.Named("ingest"),
		sleep:    sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Warn("Close kafka reader failed", zap.Error(err))
		}
	}()

	c.log.Info("Fact ingest started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Fact ingest stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process returns nil when msg may be committed. It only fails when ctx
// ends during retries.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	log := c.log.With(
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	var req notification.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		log.Warn("Malformed notification fact skipped", zap.Error(err))
		c.count(ResultMalformed)
		return nil
	}

	for attempt := 0; ; attempt++ {
		n, err := c.notifier.Notify(ctx, req)
		if err == nil {
			log.Debug("Notification fact accepted", zap.String("notification_id", n.ID))
			c.count(ResultAccepted)
			return nil
		}

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.HTTPStatus < 500 {
			log.Warn("Notification fact rejected",
				zap.String("user_id", req.UserID),
				zap.String("code", appErr.Code),
				zap.String("reason", appErr.Message),
			)
			c.count(ResultRejected)
			return nil
		}

		delay := c.retry.Delay(attempt)
		log.Error("Notification fact not stored, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.count(ResultRetried)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Consumer) count(result string) {
	if c.metrics != nil {
		c.metrics.IngestMessages.WithLabelValues(result).Inc()
	}
}
