// Package server provides the HTTP API of the sensor: health, metrics,
// recent and stored alerts, detector settings and the live alert feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/controller"
	"github.com/invisible-tech/netsentry/internal/sink"
	"github.com/invisible-tech/netsentry/internal/types"
	"github.com/invisible-tech/netsentry/internal/version"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// AlertStore is the persistent alert history.
type AlertStore interface {
	Recent(ctx context.Context, limit int) ([]*types.Alert, error)
	Resolve(ctx context.Context, id string) error
}

// Option configures optional endpoints.
type Option func(*Server)

// WithStore serves alert history and resolution from store.
func WithStore(store AlertStore) Option {
	return func(s *Server) { s.store = store }
}

// WithLiveFeed serves the websocket alert feed on /ws.
func WithLiveFeed(h http.Handler) Option {
	return func(s *Server) { s.live = h }
}

// Server is the HTTP server for the sensor API.
type Server struct {
	cfg        config.ServerConfig
	controller *controller.Controller
	log        *logrus.Logger
	store      AlertStore
	live       http.Handler
	started    time.Time
	httpServer *http.Server
}

// New creates a new HTTP server that uses the given controller.
func New(cfg config.ServerConfig, ctrl *controller.Controller, log *logrus.Logger, opts ...Option) *Server {
	s := &Server{cfg: cfg, controller: ctrl, log: log, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/alerts", s.handleAlerts)
	mux.HandleFunc("GET /api/v1/alerts/history", s.handleHistory)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/v1/detectors", s.handleDetectors)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	if s.live != nil {
		mux.Handle("GET /ws", s.live)
	}

	s.httpServer = &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /ws connections are long-lived
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// limitParam parses ?limit=, defaulting and capping it.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultAlertLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxAlertLimit {
		n = maxAlertLimit
	}
	return n, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.controller.GetAlerts(limit))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "alert store not enabled")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to read alert history")
		writeError(w, http.StatusInternalServerError, "failed to read alert history")
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "alert store not enabled")
		return
	}
	id := r.PathValue("id")
	err := s.store.Resolve(r.Context(), id)
	switch {
	case errors.Is(err, sink.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
		return
	case err != nil:
		s.log.WithError(err).WithField("alert_id", id).Error("Failed to resolve alert")
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
		return
	}
	s.log.WithField("alert_id", id).Info("Alert resolved")
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": sink.AlertStatusResolved})
}

type detectorView struct {
	Name            string  `json:"name"`
	AttackType      string  `json:"attack_type"`
	Interface       string  `json:"interface,omitempty"`
	WindowSeconds   float64 `json:"window_seconds"`
	Threshold       int     `json:"threshold"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
	ResetOnAlert    bool    `json:"reset_on_alert"`
	Severity        string  `json:"severity"`
	Filter          string  `json:"filter"`
}

func (s *Server) handleDetectors(w http.ResponseWriter, r *http.Request) {
	detectors := s.controller.Detectors()
	out := make([]detectorView, 0, len(detectors))
	for _, d := range detectors {
		out = append(out, detectorView{
			Name:            d.Name,
			AttackType:      d.AttackType,
			Interface:       d.Interface,
			WindowSeconds:   d.Window.Seconds(),
			Threshold:       d.Threshold,
			CooldownSeconds: d.Cooldown.Seconds(),
			ResetOnAlert:    d.ResetOnAlert,
			Severity:        string(d.Severity),
			Filter:          d.Filter,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Stats())
}
