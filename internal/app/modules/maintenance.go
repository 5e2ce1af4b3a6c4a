package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/jobs"
)

// MaintenanceModule owns the periodic expiry sweep and metrics rollup. With
// PostgreSQL they run as River periodic jobs; with the memory driver an
// in-process scheduler runs them.
type MaintenanceModule struct {
	infra  *Infrastructure
	sweep  *jobs.ExpirySweepWorker
	rollup *jobs.MetricsRollupWorker
	loop   *loop
}

func NewMaintenanceModule(infra *Infrastructure) (*MaintenanceModule, error) {
	if infra == nil || infra.Store == nil || infra.Ledger == nil {
		return nil, fmt.Errorf("maintenance module requires store and ledger")
	}
	return &MaintenanceModule{
		infra:  infra,
		sweep:  jobs.NewExpirySweepWorker(infra.Store, infra.Ledger, jobs.DefaultSweepBatch),
		rollup: jobs.NewMetricsRollupWorker(infra.Ledger),
	}, nil
}

// PeriodicJobs returns the River schedule for the maintenance jobs.
func (m *MaintenanceModule) PeriodicJobs() []*river.PeriodicJob {
	r := m.infra.Config.River
	return jobs.PeriodicJobs(r.ExpirySweepInterval, r.MetricsRollupInterval)
}

func (m *MaintenanceModule) Name() string { return "maintenance" }

func (m *MaintenanceModule) ContributeServerDeps(_ *handlers.ServerDeps) {}

func (m *MaintenanceModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	jobs.Register(workers, m.sweep, m.rollup)
}

func (m *MaintenanceModule) Start(ctx context.Context) error {
	if m.infra.RiverClient() != nil {
		return nil
	}
	r := m.infra.Config.River
	scheduler := jobs.NewScheduler(m.sweep, m.rollup, r.ExpirySweepInterval, r.MetricsRollupInterval)
	l, err := startLoop(ctx, m.infra.Pools, m.Name(), func(ctx context.Context) error {
		scheduler.Run(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	m.loop = l
	return nil
}

func (m *MaintenanceModule) Shutdown(ctx context.Context) error {
	return m.loop.Stop(ctx)
}
