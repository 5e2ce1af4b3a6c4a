package modules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"

	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/notification"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverMemory},
		Worker:   config.WorkerConfig{DispatchPoolSize: 4, GeneralPoolSize: 8},
		River: config.RiverConfig{
			ExpirySweepInterval:   time.Minute,
			MetricsRollupInterval: time.Hour,
		},
		Dispatcher: config.DispatcherConfig{
			PollInterval:   10 * time.Millisecond,
			BatchSize:      10,
			LeaseDuration:  time.Minute,
			AdapterTimeout: time.Second,
			MaxAttempts:    3,
			BackoffBase:    time.Second,
			BackoffCap:     time.Minute,
		},
		Realtime: config.RealtimeConfig{HeartbeatTimeout: time.Minute, SendBuffer: 8},
		Experiments: []config.ExperimentConfig{{
			ID:       "alert-copy",
			Variants: []config.VariantConfig{{Name: "control", Weight: 1}, {Name: "friendly", Weight: 1}},
		}},
	}
}

func newMemoryInfra(t *testing.T) *Infrastructure {
	t.Helper()
	infra, err := NewInfrastructure(context.Background(), memoryConfig())
	if err != nil {
		t.Fatalf("NewInfrastructure: %v", err)
	}
	t.Cleanup(infra.Close)
	return infra
}

func TestModuleConstructors_RequireInfraDependencies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func() error
	}{
		{name: "delivery nil infra", fn: func() error { _, err := NewDeliveryModule(nil, nil); return err }},
		{name: "delivery empty infra", fn: func() error { _, err := NewDeliveryModule(&Infrastructure{}, nil); return err }},
		{name: "realtime nil infra", fn: func() error { _, err := NewRealtimeModule(nil); return err }},
		{name: "maintenance empty infra", fn: func() error { _, err := NewMaintenanceModule(&Infrastructure{}); return err }},
		{name: "ingest nil notifier", fn: func() error { _, err := NewIngestModule(&Infrastructure{}, nil); return err }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.fn(); err == nil {
				t.Fatalf("%s: expected error, got nil", tc.name)
			}
		})
	}
}

func TestNewIngestModule_RequiresKafka(t *testing.T) {
	t.Parallel()

	infra := newMemoryInfra(t)
	svc := notification.NewService(infra.Store, infra.Ledger, nil, 3)
	if _, err := NewIngestModule(infra, svc); err == nil {
		t.Fatal("NewIngestModule without brokers: expected error, got nil")
	}
}

func TestNewInfrastructure_MemoryDriver(t *testing.T) {
	t.Parallel()

	infra := newMemoryInfra(t)
	if infra.DB != nil {
		t.Fatal("memory driver opened a database")
	}
	if infra.RiverClient() != nil {
		t.Fatal("memory driver created a River client")
	}
	if infra.Assigner == nil {
		t.Fatal("configured experiments did not create an assigner")
	}
	if err := infra.InitRiver(river.NewWorkers(), nil); err != nil {
		t.Fatalf("InitRiver on memory driver: %v", err)
	}

	checks := infra.HealthChecks()
	if _, ok := checks["database"]; !ok {
		t.Fatal("missing database health check")
	}
	if _, ok := checks["redis"]; ok {
		t.Fatal("redis health check registered without redis")
	}
}

func TestServerDeps_ModulesContribute(t *testing.T) {
	t.Parallel()

	infra := newMemoryInfra(t)
	rt, err := NewRealtimeModule(infra)
	if err != nil {
		t.Fatalf("NewRealtimeModule: %v", err)
	}
	delivery, err := NewDeliveryModule(infra, rt.Hub())
	if err != nil {
		t.Fatalf("NewDeliveryModule: %v", err)
	}

	deps := NewServerDeps(infra, []Module{rt, delivery, nil})
	if deps.Notifications == nil || deps.Hub == nil || deps.Acks == nil {
		t.Fatalf("modules did not contribute: %+v", deps)
	}
	if deps.Users == nil || deps.Ledger == nil || deps.Assigner == nil {
		t.Fatalf("infrastructure deps missing: %+v", deps)
	}
	if _, ok := deps.HealthChecks["database"]; !ok {
		t.Fatal("health checks not wired")
	}
}

func TestDeliveryModule_DrainsQueue(t *testing.T) {
	t.Parallel()

	infra := newMemoryInfra(t)
	delivery, err := NewDeliveryModule(infra, nil)
	if err != nil {
		t.Fatalf("NewDeliveryModule: %v", err)
	}

	ctx := context.Background()
	n, err := delivery.Service().Notify(ctx, notification.Request{
		UserID:   "user-1",
		Category: domain.CategorySpendingAlert,
		Title:    "Dining budget",
		Message:  "80% used",
		Priority: domain.PriorityHigh,
		Channels: []domain.Channel{domain.ChannelInApp},
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if err := delivery.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := infra.Store.ListEntries(ctx, n.ID)
		if err != nil {
			t.Fatalf("ListEntries: %v", err)
		}
		if len(entries) == 1 && entries[0].Status == domain.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry not completed in time: %+v", entries[0])
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := delivery.Shutdown(stopCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestLoop_StopWaitsForReturn(t *testing.T) {
	t.Parallel()

	infra := newMemoryInfra(t)
	returned := make(chan struct{})
	l, err := startLoop(context.Background(), infra.Pools, "test", func(ctx context.Context) error {
		<-ctx.Done()
		close(returned)
		return errors.New("stopped")
	})
	if err != nil {
		t.Fatalf("startLoop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-returned:
	default:
		t.Fatal("Stop returned before the loop did")
	}

	var nilLoop *loop
	if err := nilLoop.Stop(ctx); err != nil {
		t.Fatalf("nil loop Stop: %v", err)
	}
}
