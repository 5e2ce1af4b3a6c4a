// Package app is the composition root: it builds every module from the
// configuration and wires them into the HTTP router.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/api/middleware"
	"cardpilot.io/notifier/internal/app/modules"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	realtimeModule, err := modules.NewRealtimeModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init realtime module: %w", err)
	}
	deliveryModule, err := modules.NewDeliveryModule(infra, realtimeModule.Hub())
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init delivery module: %w", err)
	}
	maintenanceModule, err := modules.NewMaintenanceModule(infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init maintenance module: %w", err)
	}

	allModules := []modules.Module{realtimeModule, deliveryModule, maintenanceModule}
	if cfg.Kafka.Enabled() {
		ingestModule, err := modules.NewIngestModule(infra, deliveryModule.Service())
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init ingest module: %w", err)
		}
		allModules = append(allModules, ingestModule)
	}

	workers := river.NewWorkers()
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers, maintenanceModule.PeriodicJobs()); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))
	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSecret),
		Issuer:     cfg.Security.JWTIssuer,
		ExpiresIn:  cfg.Security.TokenTTL,
	}

	names := make([]string, 0, len(allModules))
	for _, mod := range allModules {
		names = append(names, mod.Name())
	}
	logger.Info("Application bootstrapped",
		zap.String("database_driver", cfg.Database.Driver),
		zap.Bool("redis", infra.Redis != nil),
		zap.Strings("modules", names),
	)

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, jwtCfg, infra.Metrics),
		Infra:   infra,
		Modules: allModules,
	}, nil
}
