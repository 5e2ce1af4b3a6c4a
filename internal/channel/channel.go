// Package channel implements the delivery adapters. Each adapter reports a
// Result; the Registry selects the adapter for an entry's channel.
package channel

import (
	"context"
	"fmt"

	"cardpilot.io/notifier/internal/domain"
)

// Kind classifies an adapter outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Kind   Kind
	Reason string
}

// Delivered is a successful attempt.
func Delivered() Result {
	return Result{Kind: KindSuccess}
}

// Transient is a retryable failure.
func Transient(format string, args ...interface{}) Result {
	return Result{Kind: KindTransient, Reason: fmt.Sprintf(format, args...)}
}

// Permanent is a failure that retrying cannot fix.
func Permanent(format string, args ...interface{}) Result {
	return Result{Kind: KindPermanent, Reason: fmt.Sprintf(format, args...)}
}

// Adapter attempts delivery of a notification over one channel.
// Implementations must honor ctx cancellation.
type Adapter interface {
	Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result

func (f AdapterFunc) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	return f(ctx, entry, n)
}

// Registry holds one optional adapter per channel.
type Registry struct {
	InApp   Adapter
	Push    Adapter
	Email   Adapter
	SMS     Adapter
	Webhook Adapter
}

// Adapter returns the adapter for ch, or nil when none is configured.
func (r *Registry) Adapter(ch domain.Channel) Adapter {
	switch ch {
	case domain.ChannelInApp:
		return r.InApp
	case domain.ChannelPush:
		return r.Push
	case domain.ChannelEmail:
		return r.Email
	case domain.ChannelSMS:
		return r.SMS
	case domain.ChannelWebhook:
		return r.Webhook
	}
	return nil
}

// Configured lists channels that have an adapter.
func (r *Registry) Configured() []domain.Channel {
	var out []domain.Channel
	for _, ch := range domain.Channels {
		if r.Adapter(ch) != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Deliver routes the entry to its channel's adapter. An unconfigured
// channel is a permanent failure.
func (r *Registry) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	adapter := r.Adapter(entry.Channel)
	if adapter == nil {
		return Permanent("%s: %s", domain.ReasonChannelUnconfigured, entry.Channel)
	}
	return adapter.Deliver(ctx, entry, n)
}
