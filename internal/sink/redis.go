package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

// RedisPublisher publishes alerts as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logrus.Logger
}

// NewRedisPublisher creates the client. It does not dial until first use;
// call Ping to check reachability.
func NewRedisPublisher(cfg config.RedisConfig, log *logrus.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" || cfg.Channel == "" {
		return nil, fmt.Errorf("redis: %w", ErrNotConfigured)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   1,
	})
	return &RedisPublisher{client: client, channel: cfg.Channel, log: log}, nil
}

// Name returns "redis".
func (p *RedisPublisher) Name() string { return "redis" }

// Submit publishes the alert. A publish that reaches no subscriber still
// succeeds.
func (p *RedisPublisher) Submit(ctx context.Context, alert *types.Alert) error {
	data, err := marshalAlert(alert)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish to redis channel %s: %w", p.channel, err)
	}
	p.log.WithFields(logrus.Fields{
		"channel":   p.channel,
		"receivers": receivers,
		"alert_id":  alert.ID,
	}).Debug("Alert published to redis")
	return nil
}

// Ping checks the server answers.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
