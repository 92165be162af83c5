// Package controller runs the detection pipeline: it reads events from a
// capture source, shards them over engine workers by source identity and
// hands raised alerts to the sink dispatcher.
package controller

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/capture"
	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/detection"
	"github.com/invisible-tech/netsentry/internal/sink"
	"github.com/invisible-tech/netsentry/internal/types"
)

// Prometheus metrics (registered once).
var (
	eventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_events_received_total",
			Help: "Decoded packet events received from capture",
		},
		[]string{"protocol", "interface"},
	)
	alertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_alerts_generated_total",
			Help: "Alerts handed to the sinks",
		},
		[]string{"attack_type", "severity"},
	)
	trackedKeys = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netsentry_tracked_keys",
			Help: "Keys held in detector windows",
		},
		[]string{"detector"},
	)
)

func init() {
	prometheus.MustRegister(eventsReceived)
	prometheus.MustRegister(alertsGenerated)
	prometheus.MustRegister(trackedKeys)
}

// Stats is a snapshot of the pipeline counters across workers.
type Stats struct {
	Workers     int            `json:"workers"`
	Events      uint64         `json:"events"`
	Evaluations uint64         `json:"evaluations"`
	Alerts      uint64         `json:"alerts"`
	Suppressed  uint64         `json:"suppressed"`
	Watermark   float64        `json:"watermark"`
	Keys        map[string]int `json:"keys"`
}

// item is one unit of worker input: an event, or a detector set to switch to.
type item struct {
	event       *types.Event
	reconfigure bool
	detectors   []*detection.Detector
}

type worker struct {
	id     int
	queue  chan item
	mu     sync.Mutex
	engine *detection.Engine
}

// Controller owns the engine workers and the recent-alert buffer.
type Controller struct {
	cfg     config.EngineConfig
	log     *logrus.Logger
	out     sink.Sink
	workers []*worker

	runMu   sync.RWMutex
	running bool

	detectorsMu sync.RWMutex
	detectors   []*detection.Detector

	alerts   []*types.Alert
	alertsMu sync.RWMutex
}

// New creates a controller with cfg.Workers engines evaluating detectors.
// Alerts go to out; opts are applied to every engine.
func New(cfg config.EngineConfig, log *logrus.Logger, detectors []*detection.Detector, out sink.Sink, opts ...detection.Option) *Controller {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.CooldownClock == config.CooldownClockWall {
		opts = append([]detection.Option{detection.WithWallClock(time.Now)}, opts...)
	}

	c := &Controller{
		cfg:       cfg,
		log:       log,
		out:       out,
		detectors: detectors,
	}
	for i := 0; i < cfg.Workers; i++ {
		c.workers = append(c.workers, &worker{
			id:     i,
			engine: detection.NewEngine(log, detectors, opts...),
		})
	}
	return c
}

// shard picks the worker owning key (FNV-1a).
func (c *Controller) shard(key string) *worker {
	if len(c.workers) == 1 {
		return c.workers[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.workers[h.Sum32()%uint32(len(c.workers))]
}

// Run feeds events from source to the workers until the source ends or ctx
// is cancelled. Queued events are processed before Run returns. The
// source's error is returned; cancellation is not an error.
func (c *Controller) Run(ctx context.Context, source capture.Source) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return errors.New("controller already running")
	}
	c.running = true
	for _, w := range c.workers {
		w.queue = make(chan item, c.cfg.QueueSize)
	}
	c.runMu.Unlock()

	var wg sync.WaitGroup
	for _, w := range c.workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			c.runWorker(w)
		}(w)
	}
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		c.sweepLoop(sweepCtx)
	}()

	events := make(chan *types.Event, c.cfg.QueueSize)
	srcErr := make(chan error, 1)
	go func() {
		defer close(events)
		srcErr <- source.Run(ctx, events)
	}()

	for ev := range events {
		eventsReceived.WithLabelValues(string(ev.Protocol), ev.Interface).Inc()
		// blocks only while the owning engine is behind
		c.shard(ev.ShardKey()).queue <- item{event: ev}
	}

	c.runMu.Lock()
	c.running = false
	for _, w := range c.workers {
		close(w.queue)
	}
	c.runMu.Unlock()
	wg.Wait()
	stopSweep()
	<-sweepDone

	err := <-srcErr
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	stats := c.Stats()
	c.log.WithFields(logrus.Fields{
		"events": stats.Events,
		"alerts": stats.Alerts,
	}).Info("Detection pipeline stopped")
	return err
}

func (c *Controller) runWorker(w *worker) {
	for it := range w.queue {
		w.mu.Lock()
		if it.reconfigure {
			w.engine.Reconfigure(it.detectors)
			w.mu.Unlock()
			continue
		}
		alerts := w.engine.Ingest(it.event)
		w.mu.Unlock()

		for _, alert := range alerts {
			c.handleAlert(alert)
		}
	}
}

func (c *Controller) handleAlert(alert *types.Alert) {
	c.alertsMu.Lock()
	c.alerts = append(c.alerts, alert)
	if limit := c.cfg.AlertRetention; limit > 0 && len(c.alerts) > limit {
		c.alerts = c.alerts[len(c.alerts)-limit:]
	}
	c.alertsMu.Unlock()

	alertsGenerated.WithLabelValues(alert.AttackType, string(alert.Severity)).Inc()
	if c.out == nil {
		return
	}
	// the dispatcher only enqueues; a full sink queue is logged there
	if err := c.out.Submit(context.Background(), alert); err != nil && !errors.Is(err, sink.ErrQueueFull) {
		c.log.WithError(err).WithField("alert_id", alert.ID).Error("Failed to hand alert to sinks")
	}
}

func (c *Controller) sweepLoop(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep evicts idle keys on every worker and refreshes the key gauges.
func (c *Controller) Sweep() int {
	dropped := 0
	keys := make(map[string]int)
	for _, w := range c.workers {
		w.mu.Lock()
		dropped += w.engine.Sweep()
		for name, n := range w.engine.Keys() {
			keys[name] += n
		}
		w.mu.Unlock()
	}
	for name, n := range keys {
		trackedKeys.WithLabelValues(name).Set(float64(n))
	}
	if dropped > 0 {
		c.log.WithField("keys_dropped", dropped).Debug("Swept idle window keys")
	}
	return dropped
}

// Reconfigure switches every worker to detectors. While Run is active the
// switch is queued behind events already accepted, so each worker changes
// over at a well-defined point in its stream.
func (c *Controller) Reconfigure(detectors []*detection.Detector) {
	c.detectorsMu.Lock()
	c.detectors = detectors
	c.detectorsMu.Unlock()

	c.runMu.RLock()
	for _, w := range c.workers {
		if c.running {
			w.queue <- item{reconfigure: true, detectors: detectors}
			continue
		}
		w.mu.Lock()
		w.engine.Reconfigure(detectors)
		w.mu.Unlock()
	}
	c.runMu.RUnlock()
	names := make([]string, len(detectors))
	for i, d := range detectors {
		names[i] = d.Name
	}
	c.log.WithField("detectors", names).Info("Detectors reconfigured")
}

// Detectors returns the active detector set.
func (c *Controller) Detectors() []*detection.Detector {
	c.detectorsMu.RLock()
	defer c.detectorsMu.RUnlock()
	return c.detectors
}

// GetAlerts returns the most recent alerts, up to limit, oldest first.
func (c *Controller) GetAlerts(limit int) []*types.Alert {
	c.alertsMu.RLock()
	defer c.alertsMu.RUnlock()
	n := len(c.alerts)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*types.Alert, limit)
	copy(out, c.alerts[n-limit:])
	return out
}

// Stats sums the worker counters.
func (c *Controller) Stats() Stats {
	s := Stats{Workers: len(c.workers), Keys: make(map[string]int)}
	for _, w := range c.workers {
		w.mu.Lock()
		es := w.engine.Stats()
		s.Events += es.Events
		s.Evaluations += es.Evaluations
		s.Alerts += es.Alerts
		s.Suppressed += es.Suppressed
		if wm := w.engine.Watermark(); wm > s.Watermark {
			s.Watermark = wm
		}
		for name, n := range w.engine.Keys() {
			s.Keys[name] += n
		}
		w.mu.Unlock()
	}
	return s
}
