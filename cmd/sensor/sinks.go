package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/sink"
	"github.com/invisible-tech/netsentry/internal/websocket"
)

// sinkSet is what buildSinks wired up. store and hub are nil when disabled.
type sinkSet struct {
	sinks []sink.Sink
	store *sink.SQLiteStore
	hub   *websocket.Hub
}

// buildSinks creates every enabled sink. The caller owns closing them,
// normally through the dispatcher.
func buildSinks(ctx context.Context, cfg config.SinksConfig, log *logrus.Logger) (*sinkSet, error) {
	set := &sinkSet{}
	fail := func(err error) (*sinkSet, error) {
		for _, s := range set.sinks {
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
		return nil, err
	}

	if cfg.Log.Enabled {
		set.sinks = append(set.sinks, sink.NewLogSink(log))
	}
	if cfg.SQLite.Enabled {
		store, err := sink.OpenSQLite(ctx, cfg.SQLite.Path, log)
		if err != nil {
			return fail(err)
		}
		set.store = store
		set.sinks = append(set.sinks, store)
	}
	if cfg.WebSocket.Enabled {
		set.hub = websocket.NewHub(log)
		set.sinks = append(set.sinks, set.hub)
	}
	if cfg.NATS.Enabled {
		p, err := sink.NewNATSPublisher(cfg.NATS, log)
		if err != nil {
			return fail(err)
		}
		set.sinks = append(set.sinks, p)
	}
	if cfg.Redis.Enabled {
		p, err := sink.NewRedisPublisher(cfg.Redis, log)
		if err != nil {
			return fail(err)
		}
		set.sinks = append(set.sinks, p)
	}
	if cfg.Kafka.Enabled {
		p, err := sink.NewKafkaProducer(cfg.Kafka, log)
		if err != nil {
			return fail(err)
		}
		set.sinks = append(set.sinks, p)
	}
	if cfg.Webhook.Enabled {
		set.sinks = append(set.sinks, sink.NewWebhook(cfg.Webhook, log))
	}

	if len(set.sinks) == 0 {
		log.Warn("No alert sinks enabled, alerts are only kept in memory")
	}
	names := make([]string, len(set.sinks))
	for i, s := range set.sinks {
		names[i] = s.Name()
	}
	log.WithField("sinks", names).Info("Alert sinks configured")
	return set, nil
}
