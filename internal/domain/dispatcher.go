package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/pkg/logger"
)

// EventHandler reacts to an appended history event.
type EventHandler func(ctx context.Context, event *HistoryEvent) error

// EventDispatcher routes appended history events to registered hooks.
// Handlers registered for the empty action receive every event.
type EventDispatcher struct {
	handlers map[Action][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[Action][]EventHandler),
	}
}

// Register registers a handler for an action, or for all actions when
// action is empty.
func (d *EventDispatcher) Register(action Action, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = append(d.handlers[action], handler)
}

// Dispatch calls every matching handler sequentially. A failing handler is
// logged and the rest still run. The first error is returned.
func (d *EventDispatcher) Dispatch(ctx context.Context, event *HistoryEvent) error {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[event.Action])+len(d.handlers[""]))
	handlers = append(handlers, d.handlers[""]...)
	handlers = append(handlers, d.handlers[event.Action]...)
	d.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("History hook failed",
				zap.String("action", string(event.Action)),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("hook for %s failed: %w", event.Action, err)
			}
		}
	}

	return firstErr
}
