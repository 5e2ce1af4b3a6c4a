// Package modules contains the dependency modules assembled by the
// composition root. Each module owns one slice of the engine (delivery,
// realtime, ingest, maintenance) and its background loop.
package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/pkg/logger"
	"cardpilot.io/notifier/internal/pkg/worker"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// Start launches the module's background work. It must not block.
	Start(context.Context) error

	// Shutdown stops background work, waiting at most until ctx ends.
	Shutdown(context.Context) error
}

// loop is a long-running background function owned by a module.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// startLoop runs fn on the general pool until ctx is cancelled or Stop is
// called.
func startLoop(ctx context.Context, pools *worker.Pools, name string, fn func(context.Context) error) (*loop, error) {
	if pools == nil {
		return nil, fmt.Errorf("%s: worker pools are not initialized", name)
	}
	ctx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	err := pools.General.Submit(ctx, func(ctx context.Context) {
		defer close(l.done)
		if err := fn(ctx); err != nil {
			logger.Error("Background loop stopped",
				zap.String("module", name),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return l, nil
}

// Stop cancels the loop and waits for it to return or for ctx to end.
func (l *loop) Stop(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
