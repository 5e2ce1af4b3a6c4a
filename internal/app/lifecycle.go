package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/pkg/logger"
)

const defaultShutdownTimeout = 30 * time.Second

// Start starts River and every module's background work.
func (a *Application) Start(ctx context.Context) error {
	if rc := a.Infra.RiverClient(); rc != nil {
		if err := rc.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}
	for _, mod := range a.Modules {
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start %s module: %w", mod.Name(), err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down all application components, modules in
// reverse start order.
func (a *Application) Shutdown() {
	timeout := defaultShutdownTimeout
	if a.Config != nil && a.Config.Server.ShutdownTimeout > 0 {
		timeout = a.Config.Server.ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for i := len(a.Modules) - 1; i >= 0; i-- {
		mod := a.Modules[i]
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(shutdownCtx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if rc := a.Infra.RiverClient(); rc != nil {
		if err := rc.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}

	a.Infra.Close()
}
