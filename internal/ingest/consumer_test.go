package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/notification"
	apperrors "cardpilot.io/notifier/internal/pkg/errors"
	"cardpilot.io/notifier/internal/pkg/metrics"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
	drained   chan struct{}
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{drained: make(chan struct{})}
	for i, v := range values {
		r.messages = append(r.messages, kafka.Message{Topic: "facts", Offset: int64(i), Value: []byte(v)})
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	accepted []notification.Request
}

func (n *fakeNotifier) Notify(_ context.Context, req notification.Request) (*domain.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if req.UserID == "" {
		return nil, apperrors.ErrInvalidRequestField("user_id", "is required")
	}
	if n.failures > 0 {
		n.failures--
		return nil, errors.New("connection refused")
	}
	n.accepted = append(n.accepted, req)
	return &domain.Notification{ID: "n-" + req.UserID, UserID: req.UserID}, nil
}

const validFact = `{"user_id":"u1","category":"spending_alert","title":"Budget","message":"Over budget","priority":"high","channels":["in_app"]}`

func run(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	select {
	case <-r.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not drained")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_CommitsAcceptedAndUnusable(t *testing.T) {
	r := newFakeReader(
		validFact,
		`{not json`,
		`{"category":"spending_alert","title":"x","message":"y","priority":"high","channels":["in_app"]}`,
	)
	n := &fakeNotifier{}
	m := metrics.New()
	c := NewConsumer(r, n, m)

	run(t, c, r)

	assert.Equal(t, []int64{0, 1, 2}, r.committed)
	assert.True(t, r.closed)
	require.Len(t, n.accepted, 1)
	assert.Equal(t, domain.PriorityHigh, n.accepted[0].Priority)
	assert.Equal(t, []domain.Channel{domain.ChannelInApp}, n.accepted[0].Channels)

	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.IngestMessages.WithLabelValues(ResultAccepted)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.IngestMessages.WithLabelValues(ResultMalformed)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.IngestMessages.WithLabelValues(ResultRejected)))
}

func TestConsumer_RetriesStoreFailuresBeforeCommit(t *testing.T) {
	r := newFakeReader(validFact)
	n := &fakeNotifier{failures: 3}
	m := metrics.New()
	c := NewConsumer(r, n, m)

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	run(t, c, r)

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
	assert.Equal(t, []int64{0}, r.committed)
	assert.Len(t, n.accepted, 1)
	assert.Equal(t, 3.0, promtestutil.ToFloat64(m.IngestMessages.WithLabelValues(ResultRetried)))
}

func TestConsumer_StopsDuringRetryWithoutCommit(t *testing.T) {
	r := newFakeReader(validFact)
	n := &fakeNotifier{failures: 1000}
	c := NewConsumer(r, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	require.NoError(t, c.Run(ctx))
	assert.Empty(t, r.committed)
	assert.True(t, r.closed)
}
