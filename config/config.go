// Package config loads bridge settings from BRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all bridge configuration.
type Config struct {
	Server      ServerConfig
	Transport   TransportConfig
	Queue       QueueConfig
	Correlation CorrelationConfig
	Relay       RelayConfig
	Registry    RegistryConfig
	Middleware  MiddlewareConfig
	Logging     LogConfig
	Metrics     MetricsConfig
	Script      ScriptConfig
}

// ServerConfig holds the listening side.
type ServerConfig struct {
	Network         string        `envconfig:"BRIDGE_NETWORK" default:"tcp"`
	Address         string        `envconfig:"BRIDGE_ADDR" default:"127.0.0.1:3000"`
	AdvertiseAddr   string        `envconfig:"BRIDGE_ADVERTISE_ADDR"`
	AcceptBackoff   time.Duration `envconfig:"BRIDGE_ACCEPT_BACKOFF" default:"1s"`
	ShutdownTimeout time.Duration `envconfig:"BRIDGE_SHUTDOWN_TIMEOUT" default:"5s"`
	Codec           string        `envconfig:"BRIDGE_CODEC" default:"json"`
}

// TransportConfig tunes the network loop.
type TransportConfig struct {
	ReadBufferSize int           `envconfig:"BRIDGE_READ_BUFFER" default:"1024"`
	PollInterval   time.Duration `envconfig:"BRIDGE_POLL_INTERVAL" default:"1ms"`
	WriteTimeout   time.Duration `envconfig:"BRIDGE_WRITE_TIMEOUT" default:"0s"`
	MaxFrame       int           `envconfig:"BRIDGE_MAX_FRAME" default:"16777216"`
	DialTimeout    time.Duration `envconfig:"BRIDGE_DIAL_TIMEOUT" default:"5s"`
	DialRetries    int           `envconfig:"BRIDGE_DIAL_RETRIES" default:"5"`
	DialBaseDelay  time.Duration `envconfig:"BRIDGE_DIAL_BASE_DELAY" default:"100ms"`
}

// QueueConfig bounds the message queues. Zero capacity means unbounded.
type QueueConfig struct {
	InboundCapacity  int    `envconfig:"BRIDGE_QUEUE_INBOUND_CAP" default:"0"`
	OutboundCapacity int    `envconfig:"BRIDGE_QUEUE_OUTBOUND_CAP" default:"0"`
	Overflow         string `envconfig:"BRIDGE_QUEUE_OVERFLOW" default:"reject"`
}

// CorrelationConfig bounds waits for replies.
type CorrelationConfig struct {
	CallTimeout time.Duration `envconfig:"BRIDGE_CALL_TIMEOUT" default:"30s"`
}

// RelayConfig holds the out-of-band signals used by the handle relay.
type RelayConfig struct {
	ReadyEvent string `envconfig:"BRIDGE_READY_EVENT" default:"ChromiumSocketReady"`
}

// RegistryConfig enables etcd advertisement and discovery.
type RegistryConfig struct {
	Endpoints   []string      `envconfig:"BRIDGE_ETCD_ENDPOINTS"`
	Service     string        `envconfig:"BRIDGE_SERVICE" default:"browser-host"`
	TTL         int64         `envconfig:"BRIDGE_REGISTRY_TTL" default:"10"`
	DialTimeout time.Duration `envconfig:"BRIDGE_ETCD_DIAL_TIMEOUT" default:"3s"`
	Balancer    string        `envconfig:"BRIDGE_BALANCER" default:"round-robin"`
	Weight      int           `envconfig:"BRIDGE_WEIGHT" default:"1"`
}

// Enabled reports whether any etcd endpoint was configured.
func (r RegistryConfig) Enabled() bool {
	return len(r.Endpoints) > 0
}

// MiddlewareConfig controls the dispatch pipeline.
type MiddlewareConfig struct {
	HandlerTimeout time.Duration `envconfig:"BRIDGE_HANDLER_TIMEOUT" default:"10s"`
	RateLimit      float64       `envconfig:"BRIDGE_RATE_LIMIT" default:"0"`
	RateBurst      int           `envconfig:"BRIDGE_RATE_BURST" default:"100"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"BRIDGE_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"BRIDGE_LOG_DEV" default:"false"`
}

// MetricsConfig exposes Prometheus metrics over HTTP when Address is set.
type MetricsConfig struct {
	Address string `envconfig:"BRIDGE_METRICS_ADDR"`
}

// ScriptConfig bounds script evaluation.
type ScriptConfig struct {
	Timeout time.Duration `envconfig:"BRIDGE_SCRIPT_TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Network:         "tcp",
			Address:         "127.0.0.1:3000",
			AcceptBackoff:   time.Second,
			ShutdownTimeout: 5 * time.Second,
			Codec:           "json",
		},
		Transport: TransportConfig{
			ReadBufferSize: 1024,
			PollInterval:   time.Millisecond,
			MaxFrame:       16 << 20,
			DialTimeout:    5 * time.Second,
			DialRetries:    5,
			DialBaseDelay:  100 * time.Millisecond,
		},
		Queue: QueueConfig{
			Overflow: "reject",
		},
		Correlation: CorrelationConfig{
			CallTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			ReadyEvent: "ChromiumSocketReady",
		},
		Registry: RegistryConfig{
			Service:     "browser-host",
			TTL:         10,
			DialTimeout: 3 * time.Second,
			Balancer:    "round-robin",
			Weight:      1,
		},
		Middleware: MiddlewareConfig{
			HandlerTimeout: 10 * time.Second,
			RateBurst:      100,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Script: ScriptConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	if c.Transport.ReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("read buffer must be positive, got %d", c.Transport.ReadBufferSize))
	}
	if c.Transport.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.Transport.PollInterval))
	}
	if c.Transport.MaxFrame <= 0 {
		errs = append(errs, fmt.Errorf("max frame must be positive, got %d", c.Transport.MaxFrame))
	}
	if c.Queue.InboundCapacity < 0 || c.Queue.OutboundCapacity < 0 {
		errs = append(errs, errors.New("queue capacities must not be negative"))
	}
	switch strings.ToLower(c.Queue.Overflow) {
	case "reject", "drop-oldest":
	default:
		errs = append(errs, fmt.Errorf("unknown queue overflow policy %q", c.Queue.Overflow))
	}
	if c.Correlation.CallTimeout < 0 {
		errs = append(errs, errors.New("call timeout must not be negative"))
	}
	if c.Registry.Enabled() && c.Registry.TTL <= 0 {
		errs = append(errs, fmt.Errorf("registry TTL must be positive, got %d", c.Registry.TTL))
	}
	if c.Registry.Weight < 0 {
		errs = append(errs, fmt.Errorf("registry weight must not be negative, got %d", c.Registry.Weight))
	}
	return errors.Join(errs...)
}
