package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
	"github.com/invisible-tech/netsentry/internal/version"
)

// NATSPublisher publishes alerts on <subject>.<attack_type>.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	log     *logrus.Logger
}

// NewNATSPublisher connects to the configured server.
func NewNATSPublisher(cfg config.NATSConfig, log *logrus.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" || cfg.Subject == "" {
		return nil, fmt.Errorf("nats: %w", ErrNotConfigured)
	}

	opts := []nats.Option{
		nats.Name(version.UserAgent()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.URL, err)
	}
	log.WithFields(logrus.Fields{
		"url":     conn.ConnectedUrl(),
		"subject": cfg.Subject,
	}).Info("NATS publisher connected")

	return &NATSPublisher{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Name returns "nats".
func (p *NATSPublisher) Name() string { return "nats" }

// Subject returns the subject an alert is published on.
func (p *NATSPublisher) Subject(alert *types.Alert) string {
	return p.subject + "." + alert.AttackType
}

// Submit publishes the alert and waits for the server to acknowledge the
// flush.
func (p *NATSPublisher) Submit(ctx context.Context, alert *types.Alert) error {
	data, err := marshalAlert(alert)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(p.Subject(alert))
	msg.Data = data
	msg.Header.Set("x-alert-id", alert.ID)
	msg.Header.Set("x-detector", alert.Detector)
	msg.Header.Set("x-severity", string(alert.Severity))
	msg.Header.Set("x-key", alert.Key)
	msg.Header.Set("x-observed-value", strconv.Itoa(alert.ObservedValue))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	return nil
}

// Ping round-trips to the server.
func (p *NATSPublisher) Ping(ctx context.Context) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats: not connected (%s)", p.conn.Status())
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
