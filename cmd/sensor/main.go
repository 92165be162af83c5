package main

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/capture"
	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/controller"
	"github.com/invisible-tech/netsentry/internal/detection"
	"github.com/invisible-tech/netsentry/internal/server"
	"github.com/invisible-tech/netsentry/internal/sink"
	"github.com/invisible-tech/netsentry/internal/trafficlog"
	"github.com/invisible-tech/netsentry/internal/version"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitSinkFailure = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, config.Path(), logrus.New())
	stop()
	os.Exit(code)
}

func configureLogger(log *logrus.Logger, cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}

// run starts the sensor and blocks until ctx is cancelled or capture fails.
func run(ctx context.Context, path string, log *logrus.Logger) int {
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Error("Invalid configuration")
		return exitFailure
	}
	configureLogger(log, cfg.Logging)

	log.WithFields(logrus.Fields{
		"version":    version.Version,
		"interfaces": cfg.Interfaces(),
		"workers":    cfg.Engine.Workers,
	}).Info("Starting netsentry sensor")

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	detectors, err := detection.FromConfig(cfg.Detectors, cfg.Interface)
	if err != nil {
		log.WithError(err).Error("Invalid detector configuration")
		return exitFailure
	}

	sinks, dispatcher, err := startSinks(ctx, cfg.Sinks, log)
	if err != nil {
		log.WithError(err).Error("Alert sinks unavailable")
		return exitSinkFailure
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Sinks.DrainTimeout)
		defer cancel()
		if err := dispatcher.Close(drainCtx); err != nil {
			log.WithError(err).Error("Error draining alert sinks")
		}
	}()

	var opts []detection.Option
	if cfg.TrafficLog.Enabled {
		tl, err := trafficlog.Open(cfg.TrafficLog.Path, log)
		if err != nil {
			log.WithError(err).Error("Failed to open traffic log")
			return exitFailure
		}
		defer tl.Close()
		opts = append(opts, detection.WithObserver(tl))
	}

	ctrl := controller.New(cfg.Engine, log, detectors, dispatcher, opts...)

	if sinks.hub != nil {
		go sinks.hub.Run(ctx)
	}

	serverErr := make(chan error, 1)
	var srv *server.Server
	if cfg.Server.Enabled {
		var serverOpts []server.Option
		if sinks.store != nil {
			serverOpts = append(serverOpts, server.WithStore(sinks.store))
		}
		if sinks.hub != nil {
			serverOpts = append(serverOpts, server.WithLiveFeed(sinks.hub))
		}
		srv = server.New(cfg.Server, ctrl, log, serverOpts...)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
				stop()
			}
		}()
	}

	filters := captureFilters(cfg, detectors)
	watchConfig(ctx, path, &reloader{ctrl: ctrl, log: log, filters: filters}, log)

	var sources []capture.Source
	for _, iface := range cfg.Interfaces() {
		sources = append(sources, capture.NewTShark(cfg.Capture, iface, filters[iface], log))
	}

	code := exitOK
	if err := ctrl.Run(ctx, capture.Merge(sources...)); err != nil {
		log.WithError(err).Error("Packet capture failed")
		code = exitFailure
	}
	select {
	case err := <-serverErr:
		log.WithError(err).Error("API server failed")
		code = exitFailure
	default:
	}

	log.Info("Shutting down sensor")
	stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("API server shutdown incomplete")
		}
	}
	return code
}

// captureFilters maps each capture interface to its display filter.
func captureFilters(cfg *config.Config, detectors []*detection.Detector) map[string]string {
	filters := make(map[string]string)
	for _, iface := range cfg.Interfaces() {
		filters[iface] = detection.DisplayFilter(detectors, iface)
	}
	return filters
}

// startSinks builds the sinks, starts the dispatcher and checks every sink
// that can be reached is reachable.
func startSinks(ctx context.Context, cfg config.SinksConfig, log *logrus.Logger) (*sinkSet, *sink.Dispatcher, error) {
	sinks, err := buildSinks(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	dispatcher := sink.NewDispatcher(sink.DispatcherConfigFrom(cfg), log, sinks.sinks...)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dispatcher.Ping(pingCtx); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = dispatcher.Close(closeCtx)
		return nil, nil, err
	}
	return sinks, dispatcher, nil
}

// reloader applies config file changes to a running sensor. Capture
// interfaces and filters keep their startup values.
type reloader struct {
	ctrl    *controller.Controller
	log     *logrus.Logger
	filters map[string]string
}

func (r *reloader) apply(cfg *config.Config) {
	detectors, err := detection.FromConfig(cfg.Detectors, cfg.Interface)
	if err != nil {
		r.log.WithError(err).Warn("Rejected detector reload, keeping previous detectors")
		return
	}
	configureLogger(r.log, cfg.Logging)
	r.ctrl.Reconfigure(detectors)

	if filters := captureFilters(cfg, detectors); !maps.Equal(filters, r.filters) {
		r.log.WithFields(logrus.Fields{
			"running":    r.filters,
			"configured": filters,
		}).Warn("Capture filters changed, restart the sensor to apply them")
	}
}

// watchConfig reloads detector settings when the config file changes.
func watchConfig(ctx context.Context, path string, r *reloader, log *logrus.Logger) {
	w, err := config.NewWatcher(path, log, r.apply)
	if err != nil {
		log.WithError(err).Warn("Config file watching disabled")
		return
	}
	go w.Start(ctx)
}
