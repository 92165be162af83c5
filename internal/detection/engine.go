package detection

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/types"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_detector_evaluations_total",
			Help: "Window evaluations by detector",
		},
		[]string{"detector"},
	)
	alertsRaisedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_alerts_raised_total",
			Help: "Alerts raised by detector",
		},
		[]string{"detector"},
	)
	alertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_alerts_suppressed_total",
			Help: "Threshold crossings suppressed by cooldown",
		},
		[]string{"detector"},
	)
	alertsInvalidTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsentry_alerts_invalid_total",
			Help: "Alerts dropped because they failed validation",
		},
		[]string{"detector"},
	)
)

func init() {
	prometheus.MustRegister(evaluationsTotal)
	prometheus.MustRegister(alertsRaisedTotal)
	prometheus.MustRegister(alertsSuppressedTotal)
	prometheus.MustRegister(alertsInvalidTotal)
}

// Evaluation is one detector's view of its window after an event.
type Evaluation struct {
	Timestamp    float64
	Detector     string
	AttackType   string
	Interface    string
	Key          string
	Discriminant string
	Observed     int
	Threshold    int
}

// Label is the attack type when the threshold is crossed, NORMAL otherwise.
func (e Evaluation) Label() string {
	if e.Observed >= e.Threshold {
		return e.AttackType
	}
	return "NORMAL"
}

// Observer receives every evaluation. Observers run on the engine goroutine
// and must not block.
type Observer interface {
	Observe(Evaluation)
}

// Stats counts what one engine has processed.
type Stats struct {
	Events      uint64 `json:"events"`
	Evaluations uint64 `json:"evaluations"`
	Alerts      uint64 `json:"alerts"`
	Suppressed  uint64 `json:"suppressed"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithWallClock gates cooldown on now() instead of event time.
func WithWallClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.wallCooldown = true
		e.now = now
	}
}

// WithClock sets the clock used for alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver adds an evaluation observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// Engine runs events through the configured detectors. It is not safe for
// concurrent use; one goroutine owns an engine.
type Engine struct {
	log          *logrus.Logger
	detectors    []*Detector
	stores       map[string]*Store
	cooldown     *CooldownTracker
	watermark    float64
	now          func() time.Time
	wallCooldown bool
	observers    []Observer
	stats        Stats
}

// NewEngine creates an engine evaluating detectors.
func NewEngine(logger *logrus.Logger, detectors []*Detector, opts ...Option) *Engine {
	e := &Engine{
		log:      logger,
		stores:   make(map[string]*Store),
		cooldown: NewCooldownTracker(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Reconfigure(detectors)
	return e
}

// Detectors returns the active detectors (read-only).
func (e *Engine) Detectors() []*Detector {
	return e.detectors
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Watermark returns the largest event timestamp seen.
func (e *Engine) Watermark() float64 {
	return e.watermark
}

// Store returns the window store of a detector, or nil.
func (e *Engine) Store(name string) *Store {
	return e.stores[name]
}

// Reconfigure replaces the detector set. Windows survive for detectors that
// keep their name and counting mode; cooldown history is kept.
func (e *Engine) Reconfigure(detectors []*Detector) {
	stores := make(map[string]*Store, len(detectors))
	for _, d := range detectors {
		if old, ok := e.stores[d.Name]; ok && old.Mode() == d.Mode {
			old.SetWindow(d.Window)
			stores[d.Name] = old
		} else {
			stores[d.Name] = NewStore(d.Window, d.Mode)
		}
		e.cooldown.SetCooldown(d.Name, d.Cooldown)
	}
	e.stores = stores
	e.detectors = detectors
}

// Ingest evaluates ev against every matching detector and returns the
// alerts it raises, at most one per detector.
func (e *Engine) Ingest(ev *types.Event) []*types.Alert {
	e.stats.Events++
	if ev.Timestamp > e.watermark {
		e.watermark = ev.Timestamp
	}
	now := e.watermark

	var alerts []*types.Alert
	for _, d := range e.detectors {
		if !d.Accepts(ev) {
			continue
		}
		key := d.Key(ev)
		if key == "" {
			continue
		}
		disc := d.discriminant(ev)

		store := e.stores[d.Name]
		store.Record(key, ev.Timestamp, disc)
		store.Evict(key, now)
		observed := store.Size(key)

		e.stats.Evaluations++
		evaluationsTotal.WithLabelValues(d.Name).Inc()
		if len(e.observers) > 0 {
			eval := Evaluation{
				Timestamp:    ev.Timestamp,
				Detector:     d.Name,
				AttackType:   d.AttackType,
				Interface:    ev.Interface,
				Key:          key,
				Discriminant: disc,
				Observed:     observed,
				Threshold:    d.Threshold,
			}
			for _, o := range e.observers {
				o.Observe(eval)
			}
		}

		if observed < d.Threshold {
			continue
		}

		gate := now
		if e.wallCooldown {
			gate = types.EpochSeconds(e.now())
		}
		if e.cooldown.ShouldSuppress(d.Name, key, gate) {
			e.stats.Suppressed++
			alertsSuppressedTotal.WithLabelValues(d.Name).Inc()
			continue
		}

		alert := e.newAlert(d, store, ev, key, observed)
		if err := alert.Validate(); err != nil {
			alertsInvalidTotal.WithLabelValues(d.Name).Inc()
			e.log.WithError(err).WithFields(logrus.Fields{
				"detector": d.Name,
				"key":      key,
			}).Error("Dropping invalid alert")
			continue
		}

		e.cooldown.Record(d.Name, key, gate)
		if d.ResetOnAlert {
			store.Clear(key)
		}
		e.stats.Alerts++
		alertsRaisedTotal.WithLabelValues(d.Name).Inc()
		alerts = append(alerts, alert)
	}
	return alerts
}

func (e *Engine) newAlert(d *Detector, store *Store, ev *types.Event, key string, observed int) *types.Alert {
	first, last, ok := store.Span(key)
	if !ok {
		first, last = ev.Timestamp, ev.Timestamp
	}
	var details map[string]interface{}
	if d.Mode == CountDistinct {
		details = d.details(store.Distinct(key))
	}
	return &types.Alert{
		ID:            uuid.NewString(),
		Detector:      d.Name,
		AttackType:    d.AttackType,
		Key:           key,
		ObservedValue: observed,
		Threshold:     d.Threshold,
		Window:        d.Window,
		WindowSeconds: d.Window.Seconds(),
		FirstSeen:     types.EpochTime(first),
		LastSeen:      types.EpochTime(last),
		Severity:      d.Severity,
		Message:       d.Message,
		Timestamp:     e.now().UTC(),
		Interface:     ev.Interface,
		Status:        types.AlertStatusUnresolved,
		Details:       details,
	}
}

// Sweep evicts idle keys from every window against the watermark and
// returns how many keys were dropped.
func (e *Engine) Sweep() int {
	dropped := 0
	for _, s := range e.stores {
		dropped += s.Sweep(e.watermark)
	}
	return dropped
}

// Keys returns the number of tracked keys per detector.
func (e *Engine) Keys() map[string]int {
	out := make(map[string]int, len(e.stores))
	for name, s := range e.stores {
		out[name] = s.Keys()
	}
	return out
}
