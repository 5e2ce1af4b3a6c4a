package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/experiment"
	"cardpilot.io/notifier/internal/infrastructure"
	"cardpilot.io/notifier/internal/ledger"
	"cardpilot.io/notifier/internal/pkg/cache"
	"cardpilot.io/notifier/internal/pkg/metrics"
	"cardpilot.io/notifier/internal/pkg/worker"
	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/internal/repository/memory"
	"cardpilot.io/notifier/internal/repository/postgres"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config *config.Config
	// DB is nil with the memory driver.
	DB    *infrastructure.DatabaseClients
	Store repository.Store
	// Redis and Cache are nil when Redis is not configured.
	Redis    *redis.Client
	Cache    *cache.Cache
	Pools    *worker.Pools
	Metrics  *metrics.Metrics
	Hooks    *domain.EventDispatcher
	Ledger   *ledger.Ledger
	Assigner *experiment.Assigner
}

// NewInfrastructure opens the store, Redis and the worker pools, and builds
// the shared ledger and experiment assigner.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{Config: cfg, Metrics: metrics.New(), Hooks: domain.NewEventDispatcher()}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		infra.Store = memory.New()
	default:
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		infra.DB = db
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				infra.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		infra.Store = postgres.New(db.Pool)
	}

	if cfg.Redis.Enabled() {
		client, err := infrastructure.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init redis: %w", err)
		}
		infra.Redis = client
		infra.Cache = cache.New(client, cfg.Redis.KeyPrefix)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		DispatchPoolSize: cfg.Worker.DispatchPoolSize,
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	ledger.CountEvents(infra.Hooks, infra.Metrics)
	var ledgerOpts []ledger.Option
	if infra.Cache != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithCache(ledger.NewReportCache(infra.Cache, rollupTTL(cfg.River.MetricsRollupInterval))))
	}
	infra.Ledger = ledger.New(infra.Store, infra.Hooks, ledgerOpts...)

	if len(cfg.Experiments) > 0 {
		assigner, err := experiment.NewAssigner(infra.Store, experiments(cfg.Experiments))
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init experiments: %w", err)
		}
		infra.Assigner = assigner
	}
	return infra, nil
}

// rollupTTL keeps a cached report alive across one missed rollup.
func rollupTTL(interval time.Duration) time.Duration {
	if interval <= 0 {
		interval = time.Hour
	}
	return 2 * interval
}

func experiments(cfgs []config.ExperimentConfig) []experiment.Experiment {
	out := make([]experiment.Experiment, 0, len(cfgs))
	for _, c := range cfgs {
		e := experiment.Experiment{ID: c.ID}
		for _, v := range c.Variants {
			e.Variants = append(e.Variants, experiment.Variant{Name: v.Name, Weight: v.Weight})
		}
		out = append(out, e)
	}
	return out
}

// HealthChecks lists the dependencies probed by the readiness endpoint.
func (i *Infrastructure) HealthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"database": i.Store.Ping,
	}
	if i.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return i.Redis.Ping(ctx).Err() }
	}
	return checks
}

// InitRiver creates the River client on top of a prepared worker registry.
// It is a no-op with the memory driver.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	return nil
}

// RiverClient returns the River client, or nil when River is not in use.
func (i *Infrastructure) RiverClient() *river.Client[pgx.Tx] {
	if i == nil || i.DB == nil {
		return nil
	}
	return i.DB.RiverClient
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
