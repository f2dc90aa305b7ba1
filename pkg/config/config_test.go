package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wabridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadDefaults verifies a missing file yields the built-in defaults.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 8466 {
		t.Errorf("gateway.port = %d, want 8466", cfg.Gateway.Port)
	}
	if !cfg.Media.AutoDownload || cfg.Media.MaxSizeMB != 50 {
		t.Errorf("media defaults: %+v", cfg.Media)
	}
	if !cfg.WS.TicketAuth {
		t.Error("ticket auth should default on")
	}
	if cfg.Retention.Schedule != "" {
		t.Errorf("retention should default off, got %q", cfg.Retention.Schedule)
	}
}

// TestLoadFile verifies YAML values override defaults and untouched
// sections keep theirs.
func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9000
  api_key: topsecret
media:
  auto_download: false
retention:
  schedule: "0 3 * * *"
  max_age_days: 90
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9000 || cfg.Gateway.APIKey != "topsecret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Media.AutoDownload {
		t.Error("auto_download should be off")
	}
	if cfg.Retention.Schedule != "0 3 * * *" || cfg.Retention.MaxAgeDays != 90 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	// Sections absent from the file stay at defaults.
	if cfg.Webhook.QueueSize != 512 {
		t.Errorf("webhook.queue_size = %d, want default 512", cfg.Webhook.QueueSize)
	}
}

// TestLoadEnvOverrides verifies environment variables win over the file.
func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9000
`)
	t.Setenv("WABRIDGE_PORT", "9100")
	t.Setenv("WABRIDGE_API_KEY", "from-env")
	t.Setenv("WABRIDGE_WS_MAX_CONNECTIONS", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9100 {
		t.Errorf("gateway.port = %d, env must beat file", cfg.Gateway.Port)
	}
	if cfg.Gateway.APIKey != "from-env" {
		t.Errorf("gateway.api_key = %q", cfg.Gateway.APIKey)
	}
	if cfg.WS.MaxConnections != 5 {
		t.Errorf("ws.max_connections = %d, want 5", cfg.WS.MaxConnections)
	}
}

// TestLoadMalformedYAML verifies a broken file is an error rather than
// silently falling back to defaults.
func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "gateway: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

// TestValidate verifies each rejection rule.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.Gateway.Port = 0 }, "gateway.port"},
		{"port too high", func(c *Config) { c.Gateway.Port = 70000 }, "gateway.port"},
		{"negative media size", func(c *Config) { c.Media.MaxSizeMB = -1 }, "media.max_size_mb"},
		{"zero media queue", func(c *Config) { c.Media.QueueSize = 0 }, "media.queue_size"},
		{"zero webhook batch", func(c *Config) { c.Webhook.BatchSize = 0 }, "batch_size"},
		{"zero ws connections", func(c *Config) { c.WS.MaxConnections = 0 }, "ws.max_connections"},
		{"zero ticket ttl", func(c *Config) { c.WS.TicketTTLSec = 0 }, "ticket_ttl"},
		{"bad cron expression", func(c *Config) {
			c.Retention.Schedule = "not cron"
			c.Retention.MaxAgeDays = 30
		}, "retention.schedule"},
		{"schedule without max age", func(c *Config) {
			c.Retention.Schedule = "0 3 * * *"
		}, "max_age_days"},
		{"valid retention", func(c *Config) {
			c.Retention.Schedule = "*/15 * * * *"
			c.Retention.MaxAgeDays = 7
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
