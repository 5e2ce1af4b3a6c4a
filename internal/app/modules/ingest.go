package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/infrastructure"
	"cardpilot.io/notifier/internal/ingest"
)

// IngestModule consumes notification facts from Kafka.
type IngestModule struct {
	infra    *Infrastructure
	consumer *ingest.Consumer
	loop     *loop
}

// NewIngestModule creates the consumer on the facts topic. Callers add the
// module only when Kafka is configured.
func NewIngestModule(infra *Infrastructure, notifier ingest.Notifier) (*IngestModule, error) {
	if infra == nil || notifier == nil {
		return nil, fmt.Errorf("ingest module requires infrastructure and a notifier")
	}
	kafkaCfg := infra.Config.Kafka
	if !kafkaCfg.Enabled() || kafkaCfg.FactsTopic == "" {
		return nil, fmt.Errorf("ingest module requires kafka brokers and a facts topic")
	}
	reader := infrastructure.NewFactsReader(kafkaCfg)
	return &IngestModule{
		infra:    infra,
		consumer: ingest.NewConsumer(reader, notifier, infra.Metrics),
	}, nil
}

func (m *IngestModule) Name() string { return "ingest" }

func (m *IngestModule) ContributeServerDeps(_ *handlers.ServerDeps) {}

func (m *IngestModule) RegisterWorkers(_ *river.Workers) {}

// Start runs the consumer; it closes its reader when stopped.
func (m *IngestModule) Start(ctx context.Context) error {
	l, err := startLoop(ctx, m.infra.Pools, m.Name(), m.consumer.Run)
	if err != nil {
		return err
	}
	m.loop = l
	return nil
}

func (m *IngestModule) Shutdown(ctx context.Context) error {
	return m.loop.Stop(ctx)
}
