package infrastructure

import (
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"cardpilot.io/notifier/internal/config"
	"cardpilot.io/notifier/internal/pkg/logger"
)

// NewFactsReader opens a consumer-group reader on the facts topic. Offsets
// are committed explicitly by the consumer.
func NewFactsReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.FactsTopic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
		ErrorLogger:    kafkaLogger("kafka.reader"),
	})
}

// NewPushWriter opens a synchronous writer on the push gateway topic. The
// push adapter needs the write outcome, so Async stays off.
func NewPushWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.PushTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLogger:  kafkaLogger("kafka.writer"),
	}
}

func kafkaLogger(name string) kafka.LoggerFunc {
	log := logger.Named(name)
	return func(msg string, args ...interface{}) {
		log.Warn(fmt.Sprintf(msg, args...))
	}
}
