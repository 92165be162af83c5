package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
	"github.com/invisible-tech/netsentry/internal/version"
)

// Webhook forwards alerts as JSON to an HTTP endpoint with a bearer token.
type Webhook struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewWebhook creates a webhook sink.
func NewWebhook(cfg config.WebhookConfig, log *logrus.Logger) *Webhook {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Webhook{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// Name returns "webhook".
func (w *Webhook) Name() string { return "webhook" }

// Submit posts the alert to {endpoint}/api/v1/alerts.
func (w *Webhook) Submit(ctx context.Context, alert *types.Alert) error {
	if w.endpoint == "" || w.apiKey == "" {
		return fmt.Errorf("webhook: %w", ErrNotConfigured)
	}

	jsonData, err := marshalAlert(alert)
	if err != nil {
		return err
	}

	url := w.endpoint + "/api/v1/alerts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	w.log.WithFields(logrus.Fields{
		"url":      url,
		"status":   resp.StatusCode,
		"alert_id": alert.ID,
	}).Debug("Alert delivered to webhook")

	return nil
}

// Ping checks that {endpoint}/health answers 200.
func (w *Webhook) Ping(ctx context.Context) error {
	if w.endpoint == "" || w.apiKey == "" {
		return fmt.Errorf("webhook: %w", ErrNotConfigured)
	}

	url := w.endpoint + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	return nil
}
