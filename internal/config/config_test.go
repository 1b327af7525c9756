package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if got := cfg.Core.IdleTimeout(); got != 2*time.Minute {
		t.Errorf("idle timeout: got %v, want 2m", got)
	}
	if got := cfg.Core.BackoffMax(); got != 30*time.Second {
		t.Errorf("backoff max: got %v, want 30s", got)
	}
	if got := cfg.Core.RetentionMaxAge(); got != 24*time.Hour {
		t.Errorf("retention max age: got %v, want 24h", got)
	}
	if cfg.Source.Kind != SourceMock {
		t.Errorf("source kind: got %q, want %q", cfg.Source.Kind, SourceMock)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Core.RetentionMax != DefaultConfig().Core.RetentionMax {
		t.Errorf("retention max: got %d, want default", cfg.Core.RetentionMax)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	data := `
terminal_id: dispatch-3
core:
  idle_timeout_ms: 60000
  retention_max: 50
source:
  kind: nats
  nats:
    url: nats://bus:4222
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TerminalID != "dispatch-3" {
		t.Errorf("terminal_id: got %q, want %q", cfg.TerminalID, "dispatch-3")
	}
	if cfg.Core.IdleTimeoutMs != 60000 {
		t.Errorf("idle_timeout_ms: got %d, want 60000", cfg.Core.IdleTimeoutMs)
	}
	if cfg.Core.RetentionMax != 50 {
		t.Errorf("retention_max: got %d, want 50", cfg.Core.RetentionMax)
	}
	if cfg.Core.BackoffBaseMs != 1000 {
		t.Errorf("backoff_base_ms should keep its default, got %d", cfg.Core.BackoffBaseMs)
	}
	if cfg.Source.NATS.AlertSubject != "vigil.alerts" {
		t.Errorf("alert_subject should keep its default, got %q", cfg.Source.NATS.AlertSubject)
	}
	if cfg.Source.NATS.URL != "nats://bus:4222" {
		t.Errorf("nats url: got %q", cfg.Source.NATS.URL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_CORE__HEARTBEAT_INTERVAL_MS", "5000")
	t.Setenv("VIGIL_TERMINAL_ID", "from-env")
	t.Setenv("VIGIL_LOG__LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Core.HeartbeatIntervalMs != 5000 {
		t.Errorf("heartbeat_interval_ms: got %d, want 5000", cfg.Core.HeartbeatIntervalMs)
	}
	if cfg.TerminalID != "from-env" {
		t.Errorf("terminal_id: got %q, want %q", cfg.TerminalID, "from-env")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level: got %q, want debug", cfg.Log.Level)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")

	original := DefaultConfig()
	original.TerminalID = "console-9"
	original.Core.EscalationDelayMs = 42000
	original.Source.Kind = SourceGNMI
	original.Source.GNMI.Address = "10.0.0.5"
	original.Source.GNMI.TLS.Enabled = true

	if err := original.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.TerminalID != original.TerminalID {
		t.Errorf("terminal_id: got %q, want %q", loaded.TerminalID, original.TerminalID)
	}
	if loaded.Core.EscalationDelayMs != 42000 {
		t.Errorf("escalation_delay_ms: got %d, want 42000", loaded.Core.EscalationDelayMs)
	}
	if loaded.Source.GNMI.Address != "10.0.0.5" || !loaded.Source.GNMI.TLS.Enabled {
		t.Errorf("gnmi: got %+v", loaded.Source.GNMI)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative idle timeout", func(c *Config) { c.Core.IdleTimeoutMs = -1 }, "core.idle_timeout_ms"},
		{"base above max", func(c *Config) { c.Core.BackoffBaseMs = 60000 }, "exceeds"},
		{"timeout below interval", func(c *Config) { c.Core.HeartbeatTimeoutMs = 1000 }, "heartbeat_timeout_ms"},
		{"jitter out of range", func(c *Config) { c.Core.BackoffJitter = 1.5 }, "backoff_jitter"},
		{"unknown source", func(c *Config) { c.Source.Kind = "carrier-pigeon" }, "source.kind"},
		{"websocket without url", func(c *Config) { c.Source.Kind = SourceWebSocket }, "websocket.url"},
		{"gnmi without address", func(c *Config) { c.Source.Kind = SourceGNMI }, "gnmi.address"},
		{"nats without subject", func(c *Config) {
			c.Source.Kind = SourceNATS
			c.Source.NATS.ControlSubject = ""
		}, "control_subject"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
