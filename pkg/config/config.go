// Package config loads wabridge configuration from a YAML file with
// environment variable overrides (WABRIDGE_* takes precedence over the file).
package config

import (
	"fmt"
	"os"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// GatewayConfig controls the HTTP/WebSocket listener.
type GatewayConfig struct {
	Host   string `yaml:"host" env:"HOST"`
	Port   int    `yaml:"port" env:"PORT"`
	APIKey string `yaml:"api_key" env:"API_KEY"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DB_PATH"`
}

// BridgeConfig locates the protocol client process.
type BridgeConfig struct {
	URL string `yaml:"url" env:"BRIDGE_URL"`
}

// MediaConfig controls automatic attachment downloading.
type MediaConfig struct {
	AutoDownload bool   `yaml:"auto_download" env:"MEDIA_AUTO_DOWNLOAD"`
	MaxSizeMB    int64  `yaml:"max_size_mb" env:"MEDIA_MAX_SIZE_MB"`
	RootDir      string `yaml:"root_dir" env:"MEDIA_ROOT"`
	QueueSize    int    `yaml:"queue_size" env:"MEDIA_QUEUE_SIZE"`
	DelayMS      int    `yaml:"delay_ms" env:"MEDIA_DELAY_MS"`
}

// WebhookConfig controls outbound webhook delivery.
type WebhookConfig struct {
	QueueSize     int  `yaml:"queue_size" env:"WEBHOOK_QUEUE_SIZE"`
	BatchSize     int  `yaml:"batch_size" env:"WEBHOOK_BATCH_SIZE"`
	TimeoutSec    int  `yaml:"timeout_sec" env:"WEBHOOK_TIMEOUT_SEC"`
	ValidateTTLS  int  `yaml:"validate_ttl_sec" env:"WEBHOOK_VALIDATE_TTL_SEC"`
	AllowPrivate  bool `yaml:"allow_private" env:"WEBHOOK_ALLOW_PRIVATE"`
	DrainTimeoutS int  `yaml:"drain_timeout_sec" env:"WEBHOOK_DRAIN_TIMEOUT_SEC"`
}

// WSConfig controls the realtime fanout server.
type WSConfig struct {
	MaxConnections   int  `yaml:"max_connections" env:"WS_MAX_CONNECTIONS"`
	TicketTTLSec     int  `yaml:"ticket_ttl_sec" env:"WS_TICKET_TTL_SEC"`
	HeartbeatSec     int  `yaml:"heartbeat_sec" env:"WS_HEARTBEAT_SEC"`
	TicketAuth       bool `yaml:"ticket_auth" env:"WS_TICKET_AUTH"`
	AllowLegacyQuery bool `yaml:"allow_legacy_query" env:"WS_ALLOW_LEGACY_QUERY"`
}

// RetentionConfig controls scheduled pruning of old messages.
type RetentionConfig struct {
	Schedule   string `yaml:"schedule" env:"RETENTION_SCHEDULE"`
	MaxAgeDays int    `yaml:"max_age_days" env:"RETENTION_MAX_AGE_DAYS"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	File  string `yaml:"file" env:"LOG_FILE"`
}

// Config is the full wabridge configuration tree.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Database  DatabaseConfig  `yaml:"database"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Media     MediaConfig     `yaml:"media"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	WS        WSConfig        `yaml:"ws"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration used when no file and no env are present.
func Default() *Config {
	return &Config{
		Gateway:  GatewayConfig{Host: "127.0.0.1", Port: 8466},
		Database: DatabaseConfig{Path: "wabridge.db"},
		Bridge:   BridgeConfig{URL: "ws://127.0.0.1:8465/session"},
		Media: MediaConfig{
			AutoDownload: true,
			MaxSizeMB:    50,
			RootDir:      "media",
			QueueSize:    256,
			DelayMS:      300,
		},
		Webhook: WebhookConfig{
			QueueSize:     512,
			BatchSize:     8,
			TimeoutSec:    10,
			ValidateTTLS:  300,
			DrainTimeoutS: 10,
		},
		WS: WSConfig{
			MaxConnections:   64,
			TicketTTLSec:     30,
			HeartbeatSec:     30,
			TicketAuth:       true,
			AllowLegacyQuery: true,
		},
		Retention: RetentionConfig{},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (a missing file is not an error, defaults
// apply), then applies WABRIDGE_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "WABRIDGE_"}); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot safely run with.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Media.MaxSizeMB < 0 {
		return fmt.Errorf("media.max_size_mb must be >= 0, got %d", c.Media.MaxSizeMB)
	}
	if c.Media.QueueSize <= 0 {
		return fmt.Errorf("media.queue_size must be > 0, got %d", c.Media.QueueSize)
	}
	if c.Webhook.QueueSize <= 0 || c.Webhook.BatchSize <= 0 {
		return fmt.Errorf("webhook queue_size and batch_size must be > 0")
	}
	if c.WS.MaxConnections <= 0 {
		return fmt.Errorf("ws.max_connections must be > 0, got %d", c.WS.MaxConnections)
	}
	if c.WS.TicketTTLSec <= 0 {
		return fmt.Errorf("ws.ticket_ttl_sec must be > 0, got %d", c.WS.TicketTTLSec)
	}
	if c.Retention.Schedule != "" {
		if !gronx.New().IsValid(c.Retention.Schedule) {
			return fmt.Errorf("retention.schedule is not a valid cron expression: %q", c.Retention.Schedule)
		}
		if c.Retention.MaxAgeDays <= 0 {
			return fmt.Errorf("retention.max_age_days must be > 0 when a schedule is set")
		}
	}
	return nil
}
