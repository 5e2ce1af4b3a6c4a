package modules

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/api/handlers"
	"cardpilot.io/notifier/internal/channel"
	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/dispatcher"
	"cardpilot.io/notifier/internal/infrastructure"
	"cardpilot.io/notifier/internal/notification"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// DeliveryModule wires the notification service, the channel adapters and
// the dispatcher runner that drains the queue.
type DeliveryModule struct {
	infra      *Infrastructure
	service    *notification.Service
	dispatcher *dispatcher.Dispatcher
	runner     *dispatcher.Runner
	pushWriter *kafka.Writer
	cancel     context.CancelFunc
}

// NewDeliveryModule builds the delivery path. publisher receives in-app
// deliveries for live sessions and may be nil.
func NewDeliveryModule(infra *Infrastructure, publisher dispatcher.Publisher) (*DeliveryModule, error) {
	if infra == nil || infra.Store == nil || infra.Ledger == nil || infra.Pools == nil {
		return nil, fmt.Errorf("delivery module requires store, ledger and worker pools")
	}
	cfg := infra.Config

	m := &DeliveryModule{infra: infra}
	adapters, err := m.adapters(cfg)
	if err != nil {
		return nil, err
	}

	d := cfg.Dispatcher
	workerID := d.WorkerID
	if workerID == "" {
		workerID = "notifier-" + uuid.NewString()
	}

	opts := []dispatcher.Option{dispatcher.WithMetrics(infra.Metrics)}
	if publisher != nil {
		opts = append(opts, dispatcher.WithPublisher(publisher))
	}
	if infra.Cache != nil && d.FrequencyCapPerHour > 0 {
		opts = append(opts, dispatcher.WithLimiter(dispatcher.NewRedisLimiter(infra.Cache, d.FrequencyCapPerHour)))
	}

	m.dispatcher = dispatcher.New(infra.Store, infra.Ledger, adapters, dispatcher.Config{
		WorkerID:       workerID,
		AdapterTimeout: d.AdapterTimeout,
		MaxAttempts:    d.MaxAttempts,
		Backoff:        dispatcher.Backoff{Base: d.BackoffBase, Cap: d.BackoffCap},
	}, opts...)
	m.runner = dispatcher.NewRunner(m.dispatcher, infra.Store, infra.Pools.Dispatch, infra.Metrics, dispatcher.RunnerConfig{
		WorkerID:      workerID,
		PollInterval:  d.PollInterval,
		BatchSize:     d.BatchSize,
		LeaseDuration: d.LeaseDuration,
	})
	m.service = notification.NewService(infra.Store, infra.Ledger, infra.Assigner, d.MaxAttempts)

	logger.Info("Delivery channels configured",
		zap.String("worker_id", workerID),
		zap.Any("channels", adapters.Configured()),
	)
	return m, nil
}

// adapters registers every channel whose settings are present. Entries on
// an unregistered channel fail permanently in the dispatcher.
func (m *DeliveryModule) adapters(cfg *config.Config) (*channel.Registry, error) {
	store := m.infra.Store
	templates, err := channel.LoadTemplates(cfg.Channels.TemplatesPath)
	if err != nil {
		return nil, fmt.Errorf("load channel templates: %w", err)
	}

	reg := &channel.Registry{InApp: channel.NewInApp(store)}

	if email := cfg.Channels.Email; email.SMTPHost != "" {
		reg.Email = channel.NewEmail(store, templates, &channel.SMTPMailer{
			Host:     email.SMTPHost,
			Port:     email.SMTPPort,
			Username: email.Username,
			Password: email.Password,
		}, email.From)
	}
	if sms := cfg.Channels.SMS; sms.AccountSID != "" {
		reg.SMS = channel.NewSMS(store, templates, channel.NewTwilioSender(sms.AccountSID, sms.AuthToken, sms.From))
	}
	if cfg.Channels.Webhook.Enabled {
		reg.Webhook = channel.NewWebhook(store, channel.NewSigner(cfg.Security.EncryptionKey), cfg.Channels.Webhook.Timeout)
	}
	if cfg.Channels.Push.Enabled && cfg.Kafka.Enabled() && cfg.Kafka.PushTopic != "" {
		m.pushWriter = infrastructure.NewPushWriter(cfg.Kafka)
		reg.Push = channel.NewPush(store, templates, m.pushWriter)
	}
	return reg, nil
}

// Service returns the notification service shared with the ingest consumer.
func (m *DeliveryModule) Service() *notification.Service { return m.service }

func (m *DeliveryModule) Name() string { return "delivery" }

func (m *DeliveryModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Notifications = m.service
}

func (m *DeliveryModule) RegisterWorkers(_ *river.Workers) {}

func (m *DeliveryModule) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.runner.Start(ctx)
	return nil
}

func (m *DeliveryModule) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.runner.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.pushWriter != nil {
		if err := m.pushWriter.Close(); err != nil {
			return fmt.Errorf("close push writer: %w", err)
		}
	}
	return nil
}
