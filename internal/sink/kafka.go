package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

// KafkaProducer writes alerts to a topic, keyed by alert key so one source
// stays on one partition.
type KafkaProducer struct {
	writer  *kafka.Writer
	brokers []string
	log     *logrus.Logger
}

// NewKafkaProducer creates the writer.
func NewKafkaProducer(cfg config.KafkaConfig, log *logrus.Logger) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: %w", ErrNotConfigured)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  1,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("component", "kafka-writer").Debugf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.WithField("component", "kafka-writer").Errorf(msg, args...)
		}),
	}

	log.WithFields(logrus.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("Kafka producer initialized")

	return &KafkaProducer{writer: writer, brokers: cfg.Brokers, log: log}, nil
}

// Name returns "kafka".
func (p *KafkaProducer) Name() string { return "kafka" }

func kafkaMessage(alert *types.Alert) (kafka.Message, error) {
	data, err := marshalAlert(alert)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(alert.Key),
		Value: data,
		Time:  alert.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID)},
			{Key: "attack_type", Value: []byte(alert.AttackType)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}, nil
}

// Submit writes the alert. Retries are left to the dispatcher.
func (p *KafkaProducer) Submit(ctx context.Context, alert *types.Alert) error {
	msg, err := kafkaMessage(alert)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
