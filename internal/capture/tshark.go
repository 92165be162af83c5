package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

var (
	// ErrStartup is returned when tshark exits inside the startup window.
	ErrStartup = errors.New("capture process failed to start")
	// ErrUnexpectedExit is returned when tshark exits while capturing.
	ErrUnexpectedExit = errors.New("capture process exited unexpectedly")
)

// TShark captures live traffic on one interface through a tshark process.
type TShark struct {
	Binary          string
	Interface       string
	Filter          string
	StartupTimeout  time.Duration
	StopGracePeriod time.Duration

	log *logrus.Logger
}

// NewTShark creates a source for iface with the given display filter.
func NewTShark(cfg config.CaptureConfig, iface, filter string, log *logrus.Logger) *TShark {
	return &TShark{
		Binary:          cfg.Binary,
		Interface:       iface,
		Filter:          filter,
		StartupTimeout:  cfg.StartupTimeout,
		StopGracePeriod: cfg.StopGracePeriod,
		log:             log,
	}
}

// Args returns the tshark argument vector.
func (t *TShark) Args() []string {
	args := []string{"-n", "-l", "-i", t.Interface}
	if t.Filter != "" {
		args = append(args, "-Y", t.Filter)
	}
	args = append(args, "-T", "fields", "-E", "separator="+Separator, "-E", "occurrence=f")
	for _, f := range Fields {
		args = append(args, "-e", f)
	}
	return args
}

// Run starts tshark and streams its records into out. It returns nil after
// a requested stop and an error if the process cannot start or exits on its
// own.
func (t *TShark) Run(ctx context.Context, out chan<- *types.Event) error {
	cmd := exec.Command(t.Binary, t.Args()...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}

	logger := t.log.WithFields(logrus.Fields{
		"interface": t.Interface,
		"filter":    t.Filter,
	})
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStartup, t.Binary, err)
	}
	logger.WithField("pid", cmd.Process.Pid).Debug("Capture process launched")

	exited := make(chan error, 1)
	go func() {
		if err := newScanner(t.Interface, t.log).scan(ctx, stdout, out); err != nil {
			logger.WithError(err).Warn("Capture output read failed")
		}
		exited <- cmd.Wait()
	}()

	startup := time.NewTimer(t.StartupTimeout)
	defer startup.Stop()

	select {
	case err := <-exited:
		return fmt.Errorf("%w on %s: %s", ErrStartup, t.Interface, exitReason(err, stderr))
	case <-ctx.Done():
		return t.stop(cmd, exited, logger)
	case <-startup.C:
	}
	logger.Info("Capture started")

	select {
	case err := <-exited:
		return fmt.Errorf("%w on %s: %s", ErrUnexpectedExit, t.Interface, exitReason(err, stderr))
	case <-ctx.Done():
		return t.stop(cmd, exited, logger)
	}
}

// stop interrupts tshark and kills it if it outlives the grace period.
func (t *TShark) stop(cmd *exec.Cmd, exited <-chan error, logger *logrus.Entry) error {
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		logger.WithError(err).Debug("Interrupt failed")
	}

	grace := time.NewTimer(t.StopGracePeriod)
	defer grace.Stop()

	select {
	case <-exited:
		logger.Info("Capture stopped")
	case <-grace.C:
		logger.Warn("Capture did not stop in time, killing")
		if err := cmd.Process.Kill(); err != nil {
			logger.WithError(err).Error("Kill failed")
		}
		<-exited
	}
	return nil
}

func exitReason(err error, stderr *tailBuffer) string {
	reason := "exit status 0"
	if err != nil {
		reason = err.Error()
	}
	if msg := stderr.lastLine(); msg != "" {
		reason += ": " + msg
	}
	return reason
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) lastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(b.buf.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
