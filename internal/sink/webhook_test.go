package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

func canListen(t *testing.T) bool {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot bind for test: %v", err)
		return false
	}
	ln.Close()
	return true
}

func TestWebhook_Submit_Success(t *testing.T) {
	if !canListen(t) {
		return
	}
	var got types.Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/alerts" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer my-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "netsentry/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	wh := NewWebhook(config.WebhookConfig{
		Endpoint: server.URL + "/",
		APIKey:   "my-key",
		Timeout:  5 * time.Second,
	}, testLogger())

	alert := testAlert()
	if err := wh.Submit(context.Background(), alert); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.ID != alert.ID || got.AttackType != "PORT_SCAN" || got.WindowSeconds != 5 {
		t.Errorf("server received %+v", got)
	}
}

func TestWebhook_Submit_ServerError(t *testing.T) {
	if !canListen(t) {
		return
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	wh := NewWebhook(config.WebhookConfig{Endpoint: server.URL, APIKey: "key"}, testLogger())
	err := wh.Submit(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Submit = %v, want status 500 error", err)
	}
}

func TestWebhook_NotConfigured(t *testing.T) {
	wh := NewWebhook(config.WebhookConfig{}, testLogger())
	if err := wh.Submit(context.Background(), testAlert()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Submit = %v, want ErrNotConfigured", err)
	}
	if err := wh.Ping(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Ping = %v, want ErrNotConfigured", err)
	}
}

func TestWebhook_Ping(t *testing.T) {
	if !canListen(t) {
		return
	}
	healthy := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh := NewWebhook(config.WebhookConfig{Endpoint: server.URL, APIKey: "key"}, testLogger())
	if err := wh.Ping(context.Background()); err != nil {
		t.Errorf("Ping healthy = %v", err)
	}
	healthy = false
	if err := wh.Ping(context.Background()); err == nil {
		t.Error("Ping should fail on 503")
	}
}
