package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_sink_deliveries_total",
			Help: "Alert deliveries by sink and result",
		},
		[]string{"sink", "result"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsentry_sink_queue_depth",
			Help: "Alerts waiting per sink",
		},
		[]string{"sink"},
	)
	breakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsentry_sink_breaker_open",
			Help: "1 while the sink's circuit breaker is open",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(breakerOpen)
}

// Delivery results.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultDropped = "dropped"
)

// DispatcherConfig bounds queues, retries and breakers.
type DispatcherConfig struct {
	QueueSize       int
	Retries         int
	RetryBackoff    time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DispatcherConfigFrom maps the sinks config section.
func DispatcherConfigFrom(cfg config.SinksConfig) DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       cfg.QueueSize,
		Retries:         cfg.Retries,
		RetryBackoff:    cfg.RetryBackoff,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}
}

type worker struct {
	sink    Sink
	queue   chan *types.Alert
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Dispatcher fans alerts out to sinks. Each sink has its own queue and
// goroutine, so a slow sink never delays detection or the other sinks.
type Dispatcher struct {
	cfg     DispatcherConfig
	log     *logrus.Logger
	workers []*worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts one delivery goroutine per sink.
func NewDispatcher(cfg DispatcherConfig, log *logrus.Logger, sinks ...Sink) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, s := range sinks {
		w := &worker{
			sink:    s,
			queue:   make(chan *types.Alert, cfg.QueueSize),
			breaker: d.newBreaker(s.Name()),
		}
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker[struct{}] {
	failures := d.cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1
			}
			breakerOpen.WithLabelValues(name).Set(open)
			d.log.WithFields(logrus.Fields{
				"sink": name,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Sink circuit breaker state changed")
		},
	})
}

// Name returns "dispatcher".
func (d *Dispatcher) Name() string { return "dispatcher" }

// Sinks returns the names of the sinks in dispatch order.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.workers))
	for i, w := range d.workers {
		names[i] = w.sink.Name()
	}
	return names
}

// Submit enqueues alert for every sink without blocking. Sinks whose queue
// is full drop the alert; the returned error lists them and matches
// ErrQueueFull.
func (d *Dispatcher) Submit(_ context.Context, alert *types.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errors.New("dispatcher closed")
	}

	var errs []error
	for _, w := range d.workers {
		select {
		case w.queue <- alert:
			queueDepth.WithLabelValues(w.sink.Name()).Set(float64(len(w.queue)))
		default:
			deliveriesTotal.WithLabelValues(w.sink.Name(), resultDropped).Inc()
			d.log.WithFields(logrus.Fields{
				"sink":     w.sink.Name(),
				"alert_id": alert.ID,
			}).Warn("Sink queue full, dropping alert")
			errs = append(errs, fmt.Errorf("%s: %w", w.sink.Name(), ErrQueueFull))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	name := w.sink.Name()
	for alert := range w.queue {
		queueDepth.WithLabelValues(name).Set(float64(len(w.queue)))
		if err := d.deliver(w, alert); err != nil {
			deliveriesTotal.WithLabelValues(name, resultFailure).Inc()
			d.log.WithError(err).WithFields(logrus.Fields{
				"sink":     name,
				"alert_id": alert.ID,
			}).Error("Alert delivery failed")
			continue
		}
		deliveriesTotal.WithLabelValues(name, resultSuccess).Inc()
	}
}

// deliver submits through the breaker, retrying with exponential backoff
// until the attempts run out or the breaker opens.
func (d *Dispatcher) deliver(w *worker, alert *types.Alert) error {
	backoff := wait.Backoff{
		Duration: d.cfg.RetryBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    d.cfg.Retries + 1,
		Cap:      30 * time.Second,
	}

	var lastErr error
	err := wait.ExponentialBackoffWithContext(d.ctx, backoff, func(ctx context.Context) (bool, error) {
		_, err := w.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, w.sink.Submit(ctx, alert)
		})
		if err == nil {
			return true, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return false, err
		}
		if errors.Is(err, ErrNotConfigured) {
			return false, err
		}
		lastErr = err
		return false, nil
	})
	if err != nil && lastErr != nil && wait.Interrupted(err) {
		return lastErr
	}
	return err
}

// Ping checks every sink that can be checked and reports all failures.
func (d *Dispatcher) Ping(ctx context.Context) error {
	var errs []error
	for _, w := range d.workers {
		p, ok := w.sink.(Pinger)
		if !ok {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.sink.Name(), err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Close stops accepting alerts, drains the queues until ctx expires and
// closes the sinks.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
		errs = append(errs, fmt.Errorf("drain sinks: %w", ctx.Err()))
	}
	d.cancel()

	for _, w := range d.workers {
		if c, ok := w.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", w.sink.Name(), err))
			}
		}
	}
	return utilerrors.NewAggregate(errs)
}
