package config

import "time"

// Source kinds.
const (
	SourceMock      = "mock"
	SourceWebSocket = "websocket"
	SourceNATS      = "nats"
	SourceGNMI      = "gnmi"
)

// Config represents the complete vigil configuration
type Config struct {
	TerminalID string       `yaml:"terminal_id" koanf:"terminal_id"`
	Core       CoreConfig   `yaml:"core" koanf:"core"`
	Source     SourceConfig `yaml:"source" koanf:"source"`
	Server     ServerConfig `yaml:"server" koanf:"server"`
	Log        LogConfig    `yaml:"log" koanf:"log"`
	Notify     NotifyConfig `yaml:"notify" koanf:"notify"`
}

// CoreConfig holds the tuning of the awareness core. All durations are in
// milliseconds.
type CoreConfig struct {
	HeartbeatIntervalMs  int     `yaml:"heartbeat_interval_ms" koanf:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs   int     `yaml:"heartbeat_timeout_ms" koanf:"heartbeat_timeout_ms"`
	BackoffBaseMs        int     `yaml:"backoff_base_ms" koanf:"backoff_base_ms"`
	BackoffMaxMs         int     `yaml:"backoff_max_ms" koanf:"backoff_max_ms"`
	BackoffJitter        float64 `yaml:"backoff_jitter" koanf:"backoff_jitter"`
	StabilityThresholdMs int     `yaml:"stability_threshold_ms" koanf:"stability_threshold_ms"`
	DialTimeoutMs        int     `yaml:"dial_timeout_ms" koanf:"dial_timeout_ms"`
	FlapThreshold        int     `yaml:"flap_threshold" koanf:"flap_threshold"`
	FlapWindowMs         int     `yaml:"flap_window_ms" koanf:"flap_window_ms"`
	IdleTimeoutMs        int     `yaml:"idle_timeout_ms" koanf:"idle_timeout_ms"`
	SessionGraceMs       int     `yaml:"session_grace_ms" koanf:"session_grace_ms"`
	ActivityDebounceMs   int     `yaml:"activity_debounce_ms" koanf:"activity_debounce_ms"`
	RetentionMax         int     `yaml:"retention_max" koanf:"retention_max"`
	RetentionMaxAgeMs    int64   `yaml:"retention_max_age_ms" koanf:"retention_max_age_ms"`
	SweepIntervalMs      int     `yaml:"sweep_interval_ms" koanf:"sweep_interval_ms"`
	EscalationDelayMs    int     `yaml:"escalation_delay_ms" koanf:"escalation_delay_ms"`
}

// SourceConfig selects and configures the remote alert source.
type SourceConfig struct {
	Kind      string          `yaml:"kind" koanf:"kind"`
	Mock      MockConfig      `yaml:"mock" koanf:"mock"`
	WebSocket WebSocketConfig `yaml:"websocket" koanf:"websocket"`
	NATS      NATSConfig      `yaml:"nats" koanf:"nats"`
	GNMI      GNMIConfig      `yaml:"gnmi" koanf:"gnmi"`
}

// MockConfig drives the built-in alert simulator.
type MockConfig struct {
	IntervalMs int   `yaml:"interval_ms" koanf:"interval_ms"`
	Seed       int64 `yaml:"seed" koanf:"seed"`
}

// WebSocketConfig defines a websocket alert feed
type WebSocketConfig struct {
	URL      string            `yaml:"url" koanf:"url"`
	Headers  map[string]string `yaml:"headers,omitempty" koanf:"headers"`
	TokenEnv string            `yaml:"token_env,omitempty" koanf:"token_env"`
	SkipTLS  bool              `yaml:"insecure_skip_verify,omitempty" koanf:"insecure_skip_verify"`
}

// NATSConfig defines the NATS subjects alerts and control messages travel on
type NATSConfig struct {
	URL            string `yaml:"url" koanf:"url"`
	AlertSubject   string `yaml:"alert_subject" koanf:"alert_subject"`
	ControlSubject string `yaml:"control_subject" koanf:"control_subject"`
	ClientName     string `yaml:"client_name,omitempty" koanf:"client_name"`
}

// GNMIConfig defines a gNMI target that streams alerts as JSON values
type GNMIConfig struct {
	Address     string    `yaml:"address" koanf:"address"`
	Port        int       `yaml:"port" koanf:"port"`
	Target      string    `yaml:"target,omitempty" koanf:"target"`
	AlertPath   string    `yaml:"alert_path" koanf:"alert_path"`
	ControlPath string    `yaml:"control_path" koanf:"control_path"`
	Username    string    `yaml:"username,omitempty" koanf:"username"`
	PasswordEnv string    `yaml:"password_env,omitempty" koanf:"password_env"`
	TLS         TLSConfig `yaml:"tls" koanf:"tls"`
}

// TLSConfig holds client TLS settings
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled" koanf:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" koanf:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name,omitempty" koanf:"server_name"`
	CAFile             string `yaml:"ca_file,omitempty" koanf:"ca_file"`
	CertFile           string `yaml:"cert_file,omitempty" koanf:"cert_file"`
	KeyFile            string `yaml:"key_file,omitempty" koanf:"key_file"`
}

// ServerConfig defines the HTTP API listener
type ServerConfig struct {
	Listen         string   `yaml:"listen" koanf:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins" koanf:"allowed_origins"`
}

// LogConfig defines logging behaviour
type LogConfig struct {
	Level      string `yaml:"level" koanf:"level"`
	BufferSize int    `yaml:"buffer_size" koanf:"buffer_size"`
}

// NotifyConfig defines where escalation notices go
type NotifyConfig struct {
	URLEnv string `yaml:"url_env" koanf:"url_env"`
	Tag    string `yaml:"tag,omitempty" koanf:"tag"`
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period.
func (c CoreConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }

// HeartbeatTimeout returns the liveness window.
func (c CoreConfig) HeartbeatTimeout() time.Duration { return ms(c.HeartbeatTimeoutMs) }

// BackoffBase returns the first reconnect delay.
func (c CoreConfig) BackoffBase() time.Duration { return ms(c.BackoffBaseMs) }

// BackoffMax returns the reconnect delay ceiling.
func (c CoreConfig) BackoffMax() time.Duration { return ms(c.BackoffMaxMs) }

// StabilityThreshold returns how long a connection must last before backoff resets.
func (c CoreConfig) StabilityThreshold() time.Duration { return ms(c.StabilityThresholdMs) }

// DialTimeout returns the per-attempt dial timeout.
func (c CoreConfig) DialTimeout() time.Duration { return ms(c.DialTimeoutMs) }

// FlapWindow returns the flap detection window.
func (c CoreConfig) FlapWindow() time.Duration { return ms(c.FlapWindowMs) }

// IdleTimeout returns the allowed inactivity.
func (c CoreConfig) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMs) }

// SessionGrace returns how long an idle session lasts before expiring.
func (c CoreConfig) SessionGrace() time.Duration { return ms(c.SessionGraceMs) }

// ActivityDebounce returns the activity coalescing window.
func (c CoreConfig) ActivityDebounce() time.Duration { return ms(c.ActivityDebounceMs) }

// RetentionMaxAge returns the maximum alert age.
func (c CoreConfig) RetentionMaxAge() time.Duration {
	return time.Duration(c.RetentionMaxAgeMs) * time.Millisecond
}

// SweepInterval returns the retention sweep period.
func (c CoreConfig) SweepInterval() time.Duration { return ms(c.SweepIntervalMs) }

// EscalationDelay returns how long a new alert may go unacknowledged.
func (c CoreConfig) EscalationDelay() time.Duration { return ms(c.EscalationDelayMs) }

// Interval returns the simulator period.
func (c MockConfig) Interval() time.Duration { return ms(c.IntervalMs) }
