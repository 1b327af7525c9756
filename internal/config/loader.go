package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix marks environment overrides. Nested keys use a double
// underscore: VIGIL_CORE__IDLE_TIMEOUT_MS -> core.idle_timeout_ms.
const EnvPrefix = "VIGIL_"

// DefaultConfig returns a Config with defaults for every option.
func DefaultConfig() *Config {
	return &Config{
		TerminalID: "terminal-1",
		Core: CoreConfig{
			HeartbeatIntervalMs:  15000,
			HeartbeatTimeoutMs:   45000,
			BackoffBaseMs:        1000,
			BackoffMaxMs:         30000,
			BackoffJitter:        0.2,
			StabilityThresholdMs: 30000,
			DialTimeoutMs:        10000,
			FlapThreshold:        5,
			FlapWindowMs:         300000,
			IdleTimeoutMs:        120000,
			SessionGraceMs:       600000,
			ActivityDebounceMs:   250,
			RetentionMax:         500,
			RetentionMaxAgeMs:    86400000,
			SweepIntervalMs:      60000,
			EscalationDelayMs:    300000,
		},
		Source: SourceConfig{
			Kind: SourceMock,
			Mock: MockConfig{IntervalMs: 10000},
			NATS: NATSConfig{
				URL:            "nats://127.0.0.1:4222",
				AlertSubject:   "vigil.alerts",
				ControlSubject: "vigil.control",
			},
			GNMI: GNMIConfig{
				Port:        9339,
				AlertPath:   "/alerts",
				ControlPath: "/alerts/control",
			},
		},
		Server: ServerConfig{
			Listen:         ":8080",
			AllowedOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:      "info",
			BufferSize: 1000,
		},
		Notify: NotifyConfig{
			URLEnv: "APPRISE_API_URL",
		},
	}
}

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

var validSources = map[string]bool{
	SourceMock:      true,
	SourceWebSocket: true,
	SourceNATS:      true,
	SourceGNMI:      true,
}

var validLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	core := c.Core
	nonNegative := []struct {
		name  string
		value int64
	}{
		{"core.heartbeat_interval_ms", int64(core.HeartbeatIntervalMs)},
		{"core.heartbeat_timeout_ms", int64(core.HeartbeatTimeoutMs)},
		{"core.backoff_base_ms", int64(core.BackoffBaseMs)},
		{"core.backoff_max_ms", int64(core.BackoffMaxMs)},
		{"core.stability_threshold_ms", int64(core.StabilityThresholdMs)},
		{"core.dial_timeout_ms", int64(core.DialTimeoutMs)},
		{"core.flap_threshold", int64(core.FlapThreshold)},
		{"core.flap_window_ms", int64(core.FlapWindowMs)},
		{"core.idle_timeout_ms", int64(core.IdleTimeoutMs)},
		{"core.session_grace_ms", int64(core.SessionGraceMs)},
		{"core.retention_max", int64(core.RetentionMax)},
		{"core.retention_max_age_ms", core.RetentionMaxAgeMs},
		{"core.sweep_interval_ms", int64(core.SweepIntervalMs)},
		{"core.escalation_delay_ms", int64(core.EscalationDelayMs)},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return fmt.Errorf("%s must be non-negative", f.name)
		}
	}
	if core.BackoffMaxMs > 0 && core.BackoffBaseMs > core.BackoffMaxMs {
		return fmt.Errorf("core.backoff_base_ms (%d) exceeds core.backoff_max_ms (%d)", core.BackoffBaseMs, core.BackoffMaxMs)
	}
	if core.HeartbeatTimeoutMs > 0 && core.HeartbeatTimeoutMs < core.HeartbeatIntervalMs {
		return fmt.Errorf("core.heartbeat_timeout_ms must be at least core.heartbeat_interval_ms")
	}
	if core.BackoffJitter < 0 || core.BackoffJitter > 1 {
		return fmt.Errorf("core.backoff_jitter must be between 0 and 1")
	}

	if !validSources[c.Source.Kind] {
		return fmt.Errorf("invalid source.kind %q: must be one of mock, websocket, nats, gnmi", c.Source.Kind)
	}
	switch c.Source.Kind {
	case SourceWebSocket:
		if c.Source.WebSocket.URL == "" {
			return fmt.Errorf("source.websocket.url is required")
		}
	case SourceNATS:
		if c.Source.NATS.URL == "" {
			return fmt.Errorf("source.nats.url is required")
		}
		if c.Source.NATS.AlertSubject == "" || c.Source.NATS.ControlSubject == "" {
			return fmt.Errorf("source.nats: alert_subject and control_subject are required")
		}
	case SourceGNMI:
		if c.Source.GNMI.Address == "" {
			return fmt.Errorf("source.gnmi.address is required")
		}
		if c.Source.GNMI.AlertPath == "" {
			return fmt.Errorf("source.gnmi.alert_path is required")
		}
	}

	if c.Log.Level != "" && !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return nil
}
