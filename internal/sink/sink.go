// Package sink delivers alerts to their consumers: logs, the SQLite store,
// message buses and HTTP endpoints. The Dispatcher decouples delivery from
// detection with a bounded queue per sink.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invisible-tech/netsentry/internal/types"
)

var (
	// ErrQueueFull is returned when a sink queue cannot take another alert.
	ErrQueueFull = errors.New("sink queue full")
	// ErrNotConfigured is returned by sinks missing their target.
	ErrNotConfigured = errors.New("sink not configured")
)

// Sink consumes finalized alerts. Submit failures are never fatal to the
// caller.
type Sink interface {
	Name() string
	Submit(ctx context.Context, alert *types.Alert) error
}

// Pinger is implemented by sinks that can check their target is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func marshalAlert(alert *types.Alert) ([]byte, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("marshal alert: %w", err)
	}
	return data, nil
}
