package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/domain"
)

// Envelope kinds.
const (
	EnvelopeNotification = "notification"
	EnvelopeSupersede    = "supersede"
	EnvelopeDisconnect   = "disconnect"
)

// Envelope is a hub message exchanged between instances.
type Envelope struct {
	Kind   string `json:"kind"`
	Origin string `json:"origin"`
	UserID string `json:"user_id"`
	// SessionID is the surviving session of a supersede.
	SessionID    string               `json:"session_id,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Notification *domain.Notification `json:"notification,omitempty"`
}

// RedisFanout publishes envelopes on a Redis pub/sub channel.
type RedisFanout struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisFanout(client redis.UniversalClient, channel string) *RedisFanout {
	return &RedisFanout{client: client, channel: channel}
}

func (f *RedisFanout) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return f.client.Publish(ctx, f.channel, body).Err()
}

// Run subscribes and hands every envelope to h until ctx is cancelled or
// the subscription fails.
func (f *RedisFanout) Run(ctx context.Context, h *Hub) error {
	pubsub := f.client.Subscribe(ctx, f.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	h.log.Info("Realtime fan-out subscribed",
		zap.String("channel", f.channel),
		zap.String("instance_id", h.InstanceID()),
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("Malformed realtime envelope", zap.Error(err))
				continue
			}
			h.HandleEnvelope(env)
		}
	}
}
