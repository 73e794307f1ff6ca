package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/charonctl/internal/client"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "charonctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadClientConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := loadClientConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := client.DefaultConfig()
	if cfg.Network != def.Network || cfg.Address != def.Address {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadClientConfigOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
network = "tcp"
address = "10.0.0.5:4502"
connect_timeout = "1500ms"
`)
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Network != "tcp" || cfg.Address != "10.0.0.5:4502" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.ConnectTimeout != 1500*time.Millisecond {
		t.Fatalf("connect_timeout: got %v", cfg.ConnectTimeout)
	}

	def := client.DefaultConfig()
	if cfg.MaxConnectAttempts != def.MaxConnectAttempts {
		t.Fatalf("undefined key should keep default, got %d", cfg.MaxConnectAttempts)
	}
	if cfg.Session.EventQueueSize != def.Session.EventQueueSize {
		t.Fatalf("undefined key should keep default, got %d", cfg.Session.EventQueueSize)
	}
}

func TestLoadClientConfigBadDuration(t *testing.T) {
	path := writeConfig(t, `connect_timeout = "soon"`)
	if _, err := loadClientConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestLoadClientConfigRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `max_connect_attempts = -1`)
	if _, err := loadClientConfig(path); err == nil {
		t.Fatalf("expected validation error for negative attempts")
	}

	path = writeConfig(t, `event_queue_size = 0`)
	if _, err := loadClientConfig(path); err == nil {
		t.Fatalf("expected validation error for zero queue size")
	}
}

func TestLoadClientConfigMissingFile(t *testing.T) {
	if _, err := loadClientConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
