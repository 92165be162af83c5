// Package config provides configuration loading from a YAML file, the
// environment and defaults for the netsentry binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// DefaultPath is read when NETSENTRY_CONFIG is unset.
const DefaultPath = "/etc/netsentry/config.yaml"

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// Config is the complete sensor configuration.
type Config struct {
	Interface  string           `yaml:"interface" validate:"required"`
	Capture    CaptureConfig    `yaml:"capture"`
	Engine     EngineConfig     `yaml:"engine"`
	Detectors  DetectorsConfig  `yaml:"detectors"`
	Sinks      SinksConfig      `yaml:"sinks"`
	TrafficLog TrafficLogConfig `yaml:"traffic_log"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// CaptureConfig controls the tshark process.
type CaptureConfig struct {
	Binary          string        `yaml:"binary" validate:"required"`
	StartupTimeout  time.Duration `yaml:"startup_timeout" validate:"gt=0"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period" validate:"gt=0"`
}

// Cooldown clocks.
const (
	CooldownClockEvent = "event"
	CooldownClockWall  = "wall"
)

// EngineConfig controls the detection workers.
type EngineConfig struct {
	Workers        int           `yaml:"workers" validate:"min=1,max=256"`
	QueueSize      int           `yaml:"queue_size" validate:"gt=0"`
	CooldownClock  string        `yaml:"cooldown_clock" validate:"oneof=event wall"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	AlertRetention int           `yaml:"alert_retention" validate:"gt=0"`
}

// DetectorConfig holds the options every detector recognizes.
type DetectorConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interface    string        `yaml:"interface"`
	Window       time.Duration `yaml:"window" validate:"gt=0"`
	Threshold    int           `yaml:"threshold" validate:"gt=0"`
	Cooldown     time.Duration `yaml:"cooldown" validate:"gte=0"`
	ResetOnAlert bool          `yaml:"reset_on_alert"`
	Severity     string        `yaml:"severity" validate:"oneof=low medium high critical"`
}

// SSHConfig adds the service port to the SSH brute-force detector.
type SSHConfig struct {
	DetectorConfig `yaml:",inline"`
	Port           int  `yaml:"port" validate:"min=1,max=65535"`
	SYNOnly        bool `yaml:"syn_only"`
}

// DetectorsConfig configures the five detectors.
type DetectorsConfig struct {
	ARPSpoofing   DetectorConfig `yaml:"arp_spoofing"`
	ICMPFlood     DetectorConfig `yaml:"icmp_flood"`
	SYNFlood      DetectorConfig `yaml:"syn_flood"`
	PortScan      DetectorConfig `yaml:"port_scan"`
	SSHBruteForce SSHConfig      `yaml:"ssh_brute_force"`
}

// SinksConfig configures alert delivery.
type SinksConfig struct {
	QueueSize       int           `yaml:"queue_size" validate:"gt=0"`
	Retries         int           `yaml:"retries" validate:"gte=0,lte=10"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" validate:"gt=0"`
	BreakerFailures uint32        `yaml:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" validate:"gt=0"`
	DrainTimeout    time.Duration `yaml:"drain_timeout" validate:"gt=0"`

	Log       LogSinkConfig   `yaml:"log"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// LogSinkConfig enables the structured-log sink.
type LogSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SQLiteConfig configures the persistent alert store.
type SQLiteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// WebSocketConfig enables live alert broadcast on the HTTP server.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`
	Subject string `yaml:"subject" validate:"required_if=Enabled true"`
}

// RedisConfig configures the Redis pub/sub publisher.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" validate:"required_if=Enabled true"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Channel  string `yaml:"channel" validate:"required_if=Enabled true"`
}

// KafkaConfig configures the Kafka producer.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" validate:"required_if=Enabled true"`
}

// WebhookConfig configures the HTTP alert forwarder.
type WebhookConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint" validate:"required_if=Enabled true"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

// TrafficLogConfig configures the labelled CSV of detector evaluations.
type TrafficLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	HTTPAddr        string        `yaml:"http_addr" validate:"required_if=Enabled true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// LoggingConfig configures logrus.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Default returns the built-in configuration. The detector values follow
// the live variants of each signal; every one of them can be overridden.
func Default() *Config {
	return &Config{
		Interface: "any",
		Capture: CaptureConfig{
			Binary:          "tshark",
			StartupTimeout:  2 * time.Second,
			StopGracePeriod: 5 * time.Second,
		},
		Engine: EngineConfig{
			Workers:        1,
			QueueSize:      10000,
			CooldownClock:  CooldownClockWall,
			SweepInterval:  30 * time.Second,
			AlertRetention: 1000,
		},
		Detectors: DetectorsConfig{
			ARPSpoofing: DetectorConfig{
				Enabled: true, Window: 30 * time.Second, Threshold: 2,
				Cooldown: 30 * time.Second, ResetOnAlert: true, Severity: "high",
			},
			ICMPFlood: DetectorConfig{
				Enabled: true, Window: 5 * time.Second, Threshold: 100,
				Cooldown: 10 * time.Second, ResetOnAlert: true, Severity: "high",
			},
			SYNFlood: DetectorConfig{
				Enabled: true, Window: 10 * time.Second, Threshold: 500,
				Cooldown: 60 * time.Second, ResetOnAlert: true, Severity: "critical",
			},
			PortScan: DetectorConfig{
				Enabled: true, Window: 5 * time.Second, Threshold: 20,
				Cooldown: 60 * time.Second, ResetOnAlert: true, Severity: "medium",
			},
			SSHBruteForce: SSHConfig{
				DetectorConfig: DetectorConfig{
					Enabled: true, Window: 5 * time.Second, Threshold: 10,
					Cooldown: 10 * time.Second, ResetOnAlert: true, Severity: "high",
				},
				Port:    22,
				SYNOnly: true,
			},
		},
		Sinks: SinksConfig{
			QueueSize:       1024,
			Retries:         3,
			RetryBackoff:    200 * time.Millisecond,
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			DrainTimeout:    10 * time.Second,
			Log:             LogSinkConfig{Enabled: true},
			NATS:            NATSConfig{Subject: "netsentry.alerts"},
			Redis:           RedisConfig{Channel: "netsentry:alerts"},
			Kafka:           KafkaConfig{Topic: "netsentry-alerts"},
			Webhook:         WebhookConfig{Timeout: 30 * time.Second},
		},
		TrafficLog: TrafficLogConfig{Path: "traffic_log.csv"},
		Server: ServerConfig{
			Enabled:         true,
			HTTPAddr:        ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Path returns the config file location from NETSENTRY_CONFIG.
func Path() string {
	return GetEnv("NETSENTRY_CONFIG", DefaultPath)
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides reads typed environment values, keeping every parse failure
// so a bad value is reported instead of replaced by the default.
type envOverrides struct {
	errs []error
}

func (e *envOverrides) lookup(key string) (string, bool) {
	s := strings.TrimSpace(os.Getenv(key))
	return s, s != ""
}

func (e *envOverrides) int(key string, v *int) {
	if s, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, s))
			return
		}
		*v = n
	}
}

func (e *envOverrides) duration(key string, v *time.Duration) {
	if s, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, s))
			return
		}
		*v = d
	}
}

func (e *envOverrides) bool(key string, v *bool) {
	if s, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, s))
			return
		}
		*v = b
	}
}

func (c *Config) applyEnvOverrides() error {
	env := &envOverrides{}

	c.Interface = GetEnv("NETSENTRY_INTERFACE", c.Interface)
	c.Capture.Binary = GetEnv("NETSENTRY_TSHARK", c.Capture.Binary)
	env.int("NETSENTRY_WORKERS", &c.Engine.Workers)
	c.Engine.CooldownClock = GetEnv("NETSENTRY_COOLDOWN_CLOCK", c.Engine.CooldownClock)
	c.Server.HTTPAddr = GetEnv("NETSENTRY_HTTP_ADDR", c.Server.HTTPAddr)
	env.duration("NETSENTRY_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	c.Logging.Level = GetEnv("NETSENTRY_LOG_LEVEL", c.Logging.Level)

	if p := GetEnv("NETSENTRY_SQLITE_PATH", ""); p != "" {
		c.Sinks.SQLite = SQLiteConfig{Enabled: true, Path: p}
	}
	if u := GetEnv("NETSENTRY_NATS_URL", ""); u != "" {
		c.Sinks.NATS.Enabled = true
		c.Sinks.NATS.URL = u
	}
	if a := GetEnv("NETSENTRY_REDIS_ADDR", ""); a != "" {
		c.Sinks.Redis.Enabled = true
		c.Sinks.Redis.Addr = a
		c.Sinks.Redis.Password = GetEnv("NETSENTRY_REDIS_PASSWORD", c.Sinks.Redis.Password)
	}
	if b := GetEnv("NETSENTRY_KAFKA_BROKERS", ""); b != "" {
		c.Sinks.Kafka.Enabled = true
		c.Sinks.Kafka.Brokers = splitList(b)
	}
	ep := GetEnv("NETSENTRY_WEBHOOK_ENDPOINT", "")
	key := GetEnv("NETSENTRY_WEBHOOK_API_KEY", "")
	if ep != "" && key != "" {
		c.Sinks.Webhook.Enabled = true
		c.Sinks.Webhook.Endpoint = ep
		c.Sinks.Webhook.APIKey = key
	}
	env.bool("NETSENTRY_TRAFFIC_LOG", &c.TrafficLog.Enabled)

	return utilerrors.NewAggregate(env.errs)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Interfaces returns the distinct capture interfaces the enabled detectors
// need, falling back to the global interface.
func (c *Config) Interfaces() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range c.Detectors.All() {
		if !d.Enabled {
			continue
		}
		iface := d.Interface
		if iface == "" {
			iface = c.Interface
		}
		if !seen[iface] {
			seen[iface] = true
			out = append(out, iface)
		}
	}
	return out
}

// All returns the common options of every detector in a fixed order.
func (d DetectorsConfig) All() []DetectorConfig {
	return []DetectorConfig{
		d.ARPSpoofing,
		d.ICMPFlood,
		d.SYNFlood,
		d.PortScan,
		d.SSHBruteForce.DetectorConfig,
	}
}
