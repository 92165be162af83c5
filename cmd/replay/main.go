// Command replay runs recorded tshark field output through the detectors,
// using packet timestamps for windows and cooldowns.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/capture"
	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/controller"
	"github.com/invisible-tech/netsentry/internal/detection"
	"github.com/invisible-tech/netsentry/internal/sink"
	"github.com/invisible-tech/netsentry/internal/trafficlog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout))
}

func run(args []string, stdin io.Reader, stdout io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	configPath := fs.String("config", config.Path(), "config file")
	input := fs.String("input", "-", "recorded field records, - for stdin")
	iface := fs.String("interface", "replay", "interface name recorded events are tagged with")
	trafficPath := fs.String("traffic-log", "", "write labeled evaluations to this CSV file")
	storePath := fs.String("store", "", "also persist alerts to this SQLite database")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	// same precedence as NETSENTRY_INTERFACE
	if *iface != "" {
		_ = os.Setenv("NETSENTRY_INTERFACE", *iface)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("Invalid configuration")
		return 1
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	}
	// recordings are replayed faster than real time
	cfg.Engine.CooldownClock = config.CooldownClockEvent
	// the summary lists every alert of the run
	cfg.Engine.AlertRetention = 0

	detectors, err := detection.FromConfig(cfg.Detectors, "")
	if err != nil {
		log.WithError(err).Error("Invalid detector configuration")
		return 1
	}
	// a recording has a single interface
	for _, d := range detectors {
		d.Interface = ""
	}

	var r io.Reader = stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.WithError(err).Error("Failed to open input")
			return 1
		}
		defer f.Close()
		r = f
	}

	sinks := []sink.Sink{sink.NewLogSink(log)}
	if *storePath != "" {
		store, err := sink.OpenSQLite(context.Background(), *storePath, log)
		if err != nil {
			log.WithError(err).Error("Failed to open alert store")
			return 2
		}
		sinks = append(sinks, store)
	}
	dispatcher := sink.NewDispatcher(sink.DispatcherConfigFrom(cfg.Sinks), log, sinks...)

	var opts []detection.Option
	if *trafficPath != "" {
		tl, err := trafficlog.Open(*trafficPath, log)
		if err != nil {
			log.WithError(err).Error("Failed to open traffic log")
			return 1
		}
		defer tl.Close()
		opts = append(opts, detection.WithObserver(tl))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(cfg.Engine, log, detectors, dispatcher, opts...)
	src := &capture.Reader{R: r, Interface: *iface, Log: log}
	code := 0
	if err := ctrl.Run(ctx, src); err != nil {
		log.WithError(err).Error("Replay failed")
		code = 1
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Sinks.DrainTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.WithError(err).Error("Error draining alert sinks")
	}

	summary := struct {
		Stats  controller.Stats `json:"stats"`
		Alerts interface{}      `json:"alerts"`
	}{ctrl.Stats(), ctrl.GetAlerts(0)}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return code
}
