package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	// Run from an empty directory so no ./configs/relay.yaml is picked up
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Expected port 3000, got %d", cfg.Server.Port)
	}
	if cfg.Relay.HeartbeatInterval != 25*time.Second {
		t.Errorf("Expected 25s heartbeat, got %v", cfg.Relay.HeartbeatInterval)
	}
	if cfg.Relay.SendBuffer != 256 || cfg.Relay.MaxMessageSize != 4096 {
		t.Errorf("Unexpected relay defaults %+v", cfg.Relay)
	}
	if cfg.Stream.KeepAliveInterval != 15*time.Second {
		t.Errorf("Expected 15s keep-alive, got %v", cfg.Stream.KeepAliveInterval)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Expected memory store, got %s", cfg.Store.Driver)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected info level, got %s", cfg.Log.Level)
	}
	if cfg.Server.Addr() != ":3000" {
		t.Errorf("Expected :3000, got %s", cfg.Server.Addr())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 8088
relay:
  heartbeat_interval: 10s
  rate_limit: 5
store:
  driver: file
  file:
    dir: /tmp/relay-topics
log:
  level: DEBUG
`)
	t.Setenv("RELAY_SERVER_PORT", "9099")
	t.Setenv("RELAY_STREAM_KEEPALIVE_INTERVAL", "3s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host from file, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9099 {
		t.Errorf("Environment should override the file, got port %d", cfg.Server.Port)
	}
	if cfg.Relay.HeartbeatInterval != 10*time.Second {
		t.Errorf("Expected 10s heartbeat, got %v", cfg.Relay.HeartbeatInterval)
	}
	if cfg.Relay.RateLimit != 5 {
		t.Errorf("Expected rate limit 5, got %v", cfg.Relay.RateLimit)
	}
	if cfg.Relay.RateBurst != 40 {
		t.Errorf("Unset keys should keep defaults, got burst %d", cfg.Relay.RateBurst)
	}
	if cfg.Stream.KeepAliveInterval != 3*time.Second {
		t.Errorf("Expected 3s keep-alive from env, got %v", cfg.Stream.KeepAliveInterval)
	}
	if cfg.Store.Driver != "file" || cfg.Store.File.Dir != "/tmp/relay-topics" {
		t.Errorf("Unexpected store config %+v", cfg.Store)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level should be normalised, got %s", cfg.Log.Level)
	}
	if cfg.Server.Addr() != "127.0.0.1:9099" {
		t.Errorf("Unexpected addr %s", cfg.Server.Addr())
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for a missing explicit config file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad port", "server:\n  port: 70000\n", "Port"},
		{"bad driver", "store:\n  driver: redis\n", "Driver"},
		{"bad level", "log:\n  level: loud\n", "Level"},
		{"zero buffer", "relay:\n  send_buffer: 0\n", "SendBuffer"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
