package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/realtime"
)

// RealtimeModule wires the websocket hub, the ack processor and, with Redis,
// the cross-instance fan-out subscription.
type RealtimeModule struct {
	infra  *Infrastructure
	hub    *realtime.Hub
	acks   *realtime.AckProcessor
	fanout *realtime.RedisFanout
	loop   *loop
}

// NewRealtimeModule creates the hub. Fan-out is enabled when Redis is
// configured.
func NewRealtimeModule(infra *Infrastructure) (*RealtimeModule, error) {
	if infra == nil || infra.Store == nil || infra.Ledger == nil {
		return nil, fmt.Errorf("realtime module requires store and ledger")
	}
	cfg := infra.Config

	m := &RealtimeModule{infra: infra, acks: realtime.NewAckProcessor(infra.Store, infra.Ledger)}
	opts := []realtime.Option{realtime.WithPools(infra.Pools), realtime.WithMetrics(infra.Metrics)}
	if infra.Redis != nil {
		m.fanout = realtime.NewRedisFanout(infra.Redis, cfg.Realtime.FanoutChannel)
		opts = append(opts, realtime.WithFanout(m.fanout))
	}
	m.hub = realtime.NewHub(infra.Store, infra.Ledger, m.acks, realtime.Config{
		HeartbeatTimeout: cfg.Realtime.HeartbeatTimeout,
		WriteTimeout:     cfg.Realtime.WriteTimeout,
		SendBuffer:       cfg.Realtime.SendBuffer,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	}, opts...)
	return m, nil
}

// Hub returns the session hub, which is also the dispatcher's publisher.
func (m *RealtimeModule) Hub() *realtime.Hub { return m.hub }

func (m *RealtimeModule) Name() string { return "realtime" }

func (m *RealtimeModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Hub = m.hub
	deps.Acks = m.acks
}

func (m *RealtimeModule) RegisterWorkers(_ *river.Workers) {}

func (m *RealtimeModule) Start(ctx context.Context) error {
	if m.fanout == nil {
		return nil
	}
	l, err := startLoop(ctx, m.infra.Pools, m.Name(), func(ctx context.Context) error {
		return m.fanout.Run(ctx, m.hub)
	})
	if err != nil {
		return err
	}
	m.loop = l
	return nil
}

func (m *RealtimeModule) Shutdown(ctx context.Context) error {
	return m.loop.Stop(ctx)
}
