// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvBrokerPassword overrides broker.password when set.
const EnvBrokerPassword = "RAMSES_BROKER_PASSWORD"

// Allow-list backends.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config holds all configuration for the gateway.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Buffer    BufferConfig    `yaml:"buffer"`
	AllowList AllowListConfig `yaml:"allowlist"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds listener and telemetry configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	WSAddr          string        `yaml:"ws_addr"` // empty serves the push channel on http_addr
	WSPath          string        `yaml:"ws_path"`
	HealthAddr      string        `yaml:"health_addr"`
	StaticDir       string        `yaml:"static_dir"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthEnabled   bool          `yaml:"health_enabled"`

	WSRateLimit  float64 `yaml:"ws_rate_limit"` // upgrades per second per IP, 0 disables
	WSRateBurst  int     `yaml:"ws_rate_burst"`
	WSSendBuffer int     `yaml:"ws_send_buffer"`

	APIRateLimit float64 `yaml:"api_rate_limit"` // allow-list writes per second per IP, 0 disables
	APIRateBurst int     `yaml:"api_rate_burst"`

	MetricsAddr    string `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// BrokerConfig holds the upstream MQTT broker connection settings.
type BrokerConfig struct {
	URL            string        `yaml:"url"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Topic          string        `yaml:"topic"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectMin   time.Duration `yaml:"reconnect_min"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`

	// TLS, used for tls://, ssl:// and mqtts:// URLs
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// BufferConfig holds the recent message history settings.
type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

// AllowListConfig holds approved device persistence settings.
type AllowListConfig struct {
	Backend   string `yaml:"backend"` // file, badger
	Path      string `yaml:"path"`
	BadgerDir string `yaml:"badger_dir"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":5000",
			WSPath:          "/ws",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			WSRateLimit:     100.0 / 60.0, // 100 upgrades per minute per IP
			WSRateBurst:     20,
			WSSendBuffer:    64,
			APIRateLimit:    5,
			APIRateBurst:    10,
			MetricsAddr:     "localhost:4317",
			MetricsEnabled:  false,

			// OpenTelemetry defaults
			OtelServiceName:     "ramses-gateway",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Broker: BrokerConfig{
			URL:            "tcp://localhost:1883",
			ClientIDPrefix: "ramses-gateway-",
			Topic:          "RAMSES/GATEWAY/#",
			QoS:            0,
			KeepAlive:      60 * time.Second,
			ConnectTimeout: 60 * time.Second,
			ReconnectMin:   time.Second,
			ReconnectMax:   30 * time.Second,
		},
		Buffer: BufferConfig{
			Capacity: 50,
		},
		AllowList: AllowListConfig{
			Backend:   BackendFile,
			Path:      "/opt/ramses_mqtt/approved_devices.json",
			BadgerDir: "/opt/ramses_mqtt/badger",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
// The broker password may be supplied through the environment instead.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if pw, ok := os.LookupEnv(EnvBrokerPassword); ok {
		cfg.Broker.Password = pw
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with '/'")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}
	if c.Server.WSRateLimit < 0 {
		return fmt.Errorf("server.ws_rate_limit cannot be negative")
	}
	if c.Server.WSRateLimit > 0 && c.Server.WSRateBurst < 1 {
		return fmt.Errorf("server.ws_rate_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Server.APIRateLimit < 0 {
		return fmt.Errorf("server.api_rate_limit cannot be negative")
	}
	if c.Server.APIRateLimit > 0 && c.Server.APIRateBurst < 1 {
		return fmt.Errorf("server.api_rate_burst must be at least 1 when rate limiting is enabled")
	}
	if c.Server.WSSendBuffer < 1 {
		return fmt.Errorf("server.ws_send_buffer must be at least 1")
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url cannot be empty")
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic cannot be empty")
	}
	if c.Broker.QoS > 2 {
		return fmt.Errorf("broker.qos must be 0, 1, or 2")
	}
	if c.Broker.KeepAlive < time.Second {
		return fmt.Errorf("broker.keep_alive must be at least 1 second")
	}
	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker.connect_timeout must be positive")
	}
	if c.Broker.ReconnectMin <= 0 {
		return fmt.Errorf("broker.reconnect_min must be positive")
	}
	if c.Broker.ReconnectMax < c.Broker.ReconnectMin {
		return fmt.Errorf("broker.reconnect_max cannot be less than broker.reconnect_min")
	}
	if (c.Broker.CertFile == "") != (c.Broker.KeyFile == "") {
		return fmt.Errorf("broker.cert_file and broker.key_file must be set together")
	}

	if c.Buffer.Capacity < 1 {
		return fmt.Errorf("buffer.capacity must be at least 1")
	}

	switch c.AllowList.Backend {
	case BackendFile:
		if c.AllowList.Path == "" {
			return fmt.Errorf("allowlist.path required when backend is file")
		}
	case BackendBadger:
		if c.AllowList.BadgerDir == "" {
			return fmt.Errorf("allowlist.badger_dir required when backend is badger")
		}
	default:
		return fmt.Errorf("allowlist.backend must be one of: file, badger")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Broker.Password != "" {
		cp.Broker.Password = "********"
	}
	return &cp
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
