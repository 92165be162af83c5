package sink

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testAlert() *types.Alert {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &types.Alert{
		ID:            uuid.NewString(),
		Detector:      "port_scan",
		AttackType:    "PORT_SCAN",
		Key:           "10.0.0.7",
		ObservedValue: 21,
		Threshold:     20,
		Window:        5 * time.Second,
		WindowSeconds: 5,
		FirstSeen:     now.Add(-4 * time.Second),
		LastSeen:      now,
		Severity:      types.SeverityMedium,
		Message:       "Multiple TCP ports probed in short time (possible port scan)",
		Timestamp:     now,
		Interface:     "eth0",
		Status:        types.AlertStatusUnresolved,
		Details:       map[string]interface{}{"ports_scanned": []int{22, 80, 443}},
	}
}

// funcSink adapts a function to Sink and counts calls.
type funcSink struct {
	name string
	fn   func(ctx context.Context, a *types.Alert) error

	mu    sync.Mutex
	calls int
	got   []*types.Alert
}

func (s *funcSink) Name() string { return s.name }

func (s *funcSink) Submit(ctx context.Context, a *types.Alert) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	var err error
	if s.fn != nil {
		err = s.fn(ctx, a)
	}
	if err == nil {
		s.mu.Lock()
		s.got = append(s.got, a)
		s.mu.Unlock()
	}
	return err
}

func (s *funcSink) counts() (calls, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, len(s.got)
}

func fastConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:       16,
		Retries:         3,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 10,
		BreakerTimeout:  time.Minute,
	}
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDispatcher_FansOut(t *testing.T) {
	a := &funcSink{name: "a"}
	b := &funcSink{name: "b"}
	d := NewDispatcher(fastConfig(), testLogger(), a, b)

	for i := 0; i < 5; i++ {
		if err := d.Submit(context.Background(), testAlert()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	closeDispatcher(t, d)

	for _, s := range []*funcSink{a, b} {
		if _, n := s.counts(); n != 5 {
			t.Errorf("sink %s delivered %d, want 5", s.name, n)
		}
	}
	if got := d.Sinks(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Sinks = %v", got)
	}
}

func TestDispatcher_DropsOnFullQueue(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := &funcSink{name: "slow", fn: func(ctx context.Context, _ *types.Alert) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	fast := &funcSink{name: "fast"}

	cfg := fastConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, testLogger(), slow, fast)

	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	<-started
	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("second Submit: %v", err)
	}

	// the slow sink's queue now holds one alert and its worker is busy
	var dropped error
	for i := 0; i < 10 && dropped == nil; i++ {
		dropped = d.Submit(context.Background(), testAlert())
	}
	if !errors.Is(dropped, ErrQueueFull) {
		t.Fatalf("Submit = %v, want ErrQueueFull", dropped)
	}
	if !strings.Contains(dropped.Error(), "slow") {
		t.Errorf("error %q should name the full sink", dropped)
	}

	close(release)
	closeDispatcher(t, d)

	if _, n := fast.counts(); n < 1 {
		t.Error("fast sink delivered nothing while the slow sink was stuck")
	}
}

func TestDispatcher_Retries(t *testing.T) {
	var mu sync.Mutex
	failures := 2
	flaky := &funcSink{name: "flaky", fn: func(context.Context, *types.Alert) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("connection refused")
		}
		return nil
	}}
	d := NewDispatcher(fastConfig(), testLogger(), flaky)
	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	closeDispatcher(t, d)

	calls, delivered := flaky.counts()
	if calls != 3 || delivered != 1 {
		t.Errorf("calls=%d delivered=%d, want 3/1", calls, delivered)
	}
}

func TestDispatcher_FailingSinkKeepsRunning(t *testing.T) {
	broken := &funcSink{name: "broken", fn: func(context.Context, *types.Alert) error {
		return errors.New("down")
	}}
	healthy := &funcSink{name: "healthy"}
	cfg := fastConfig()
	cfg.Retries = 0
	d := NewDispatcher(cfg, testLogger(), broken, healthy)

	for i := 0; i < 3; i++ {
		if err := d.Submit(context.Background(), testAlert()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	closeDispatcher(t, d)

	if calls, _ := broken.counts(); calls != 3 {
		t.Errorf("broken sink called %d times, want 3", calls)
	}
	if _, n := healthy.counts(); n != 3 {
		t.Errorf("healthy sink delivered %d, want 3", n)
	}
}

func TestDispatcher_BreakerOpens(t *testing.T) {
	broken := &funcSink{name: "broken", fn: func(context.Context, *types.Alert) error {
		return errors.New("down")
	}}
	cfg := fastConfig()
	cfg.Retries = 5
	cfg.BreakerFailures = 2
	d := NewDispatcher(cfg, testLogger(), broken)

	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	closeDispatcher(t, d)

	// two failures trip the breaker; the open breaker stops every later attempt
	if calls, _ := broken.counts(); calls != 2 {
		t.Errorf("sink called %d times, want 2", calls)
	}
}

func TestDispatcher_NotConfiguredIsNotRetried(t *testing.T) {
	s := &funcSink{name: "unset", fn: func(context.Context, *types.Alert) error {
		return ErrNotConfigured
	}}
	d := NewDispatcher(fastConfig(), testLogger(), s)
	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	closeDispatcher(t, d)
	if calls, _ := s.counts(); calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatcher_CloseTimeout(t *testing.T) {
	stuck := &funcSink{name: "stuck", fn: func(ctx context.Context, _ *types.Alert) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := NewDispatcher(fastConfig(), testLogger(), stuck)
	if err := d.Submit(context.Background(), testAlert()); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want deadline exceeded", err)
	}
	if err := d.Submit(context.Background(), testAlert()); err == nil {
		t.Error("Submit after Close should fail")
	}
}

type pingSink struct {
	funcSink
	err error
}

func (p *pingSink) Ping(context.Context) error { return p.err }

func TestDispatcher_Ping(t *testing.T) {
	ok := &pingSink{funcSink: funcSink{name: "ok"}}
	bad := &pingSink{funcSink: funcSink{name: "bad"}, err: errors.New("unreachable")}
	plain := &funcSink{name: "plain"}

	d := NewDispatcher(fastConfig(), testLogger(), ok, plain)
	if err := d.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v, want nil", err)
	}
	closeDispatcher(t, d)

	d = NewDispatcher(fastConfig(), testLogger(), ok, bad, plain)
	err := d.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad: unreachable") {
		t.Errorf("Ping = %v, want bad sink reported", err)
	}
	closeDispatcher(t, d)
}
