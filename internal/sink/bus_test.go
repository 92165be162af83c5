package sink

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

func TestNewRedisPublisher_NotConfigured(t *testing.T) {
	if _, err := NewRedisPublisher(config.RedisConfig{Channel: "c"}, testLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing addr = %v, want ErrNotConfigured", err)
	}
	if _, err := NewRedisPublisher(config.RedisConfig{Addr: "localhost:6379"}, testLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing channel = %v, want ErrNotConfigured", err)
	}
}

func TestRedisPublisher_Unreachable(t *testing.T) {
	if !canListen(t) {
		return
	}
	p, err := NewRedisPublisher(config.RedisConfig{Addr: "127.0.0.1:1", Channel: "netsentry:alerts"}, testLogger())
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	defer p.Close()
	if p.Name() != "redis" {
		t.Errorf("Name = %q", p.Name())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err == nil {
		t.Error("Ping should fail against a closed port")
	}
	if err := p.Submit(ctx, testAlert()); err == nil {
		t.Error("Submit should fail against a closed port")
	}
}

func TestNewKafkaProducer_NotConfigured(t *testing.T) {
	if _, err := NewKafkaProducer(config.KafkaConfig{Topic: "t"}, testLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing brokers = %v, want ErrNotConfigured", err)
	}
	if _, err := NewKafkaProducer(config.KafkaConfig{Brokers: []string{"localhost:9092"}}, testLogger()); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing topic = %v, want ErrNotConfigured", err)
	}
}

func TestKafkaMessage(t *testing.T) {
	alert := testAlert()
	msg, err := kafkaMessage(alert)
	if err != nil {
		t.Fatalf("kafkaMessage: %v", err)
	}
	if string(msg.Key) != alert.Key {
		t.Errorf("Key = %q, want %q", msg.Key, alert.Key)
	}
	if !msg.Time.Equal(alert.Timestamp) {
		t.Errorf("Time = %v", msg.Time)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	want := map[string]string{
		"alert_id":    alert.ID,
		"attack_type": "PORT_SCAN",
		"severity":    "medium",
	}
	for k, v := range want {
		if headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, headers[k], v)
		}
	}

	var decoded types.Alert
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value: %v", err)
	}
	if decoded.ID != alert.ID || decoded.ObservedValue != 21 {
		t.Errorf("value = %+v", decoded)
	}
}

func TestKafkaProducer_PingUnreachable(t *testing.T) {
	if !canListen(t) {
		return
	}
	p, err := NewKafkaProducer(config.KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "netsentry-alerts"}, testLogger())
	if err != nil {
		t.Fatalf("NewKafkaProducer: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err == nil {
		t.Error("Ping should fail against a closed port")
	}
}
