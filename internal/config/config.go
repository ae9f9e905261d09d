// Package config loads the desk unit configuration from config.yaml.
// Every tunable is a named field; nothing presence- or queue-related is
// hardcoded in the core packages.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SubjectConfig identifies the assigned person and their beacon.
type SubjectConfig struct {
	ID         string `yaml:"id"`          // subject ID used in topics and payloads
	Name       string `yaml:"name"`        // display name, informational only
	BeaconID   string `yaml:"beacon_id"`   // beacon identifier to match (MAC or UUID)
	Department string `yaml:"department"`  // informational only
}

// PresenceConfig holds the presence state machine tunables (milliseconds).
type PresenceConfig struct {
	SignalThresholdDBm      int `yaml:"signal_threshold_dbm"`      // minimum RSSI to accept a sighting
	PresenceConfirmMs       int `yaml:"presence_confirm_ms"`       // continuous sightings before Present
	AbsenceConfirmMs        int `yaml:"absence_confirm_ms"`        // hard no-sighting bound forcing Absent
	GracePeriodMs           int `yaml:"grace_period_ms"`           // window absorbing transient drops
	FastReconnectMs         int `yaml:"fast_reconnect_ms"`         // accelerated grace poll interval
	FastReconnectWindowMs   int `yaml:"fast_reconnect_window_ms"`  // duration of the accelerated phase
	SlowReconnectMs         int `yaml:"slow_reconnect_ms"`         // steady grace poll interval
	MaxReconnectAttempts    int `yaml:"max_reconnect_attempts"`    // steady polls before giving up
	SearchScanMs            int `yaml:"search_scan_ms"`            // scan cadence while Searching/Absent
	MonitorScanMs           int `yaml:"monitor_scan_ms"`           // scan cadence while Present
	VerificationScanMs      int `yaml:"verification_scan_ms"`      // cadence right after a state change
	VerificationWindowMs    int `yaml:"verification_window_ms"`    // how long the verification cadence holds
}

// QueueConfig holds the message queue tunables.
type QueueConfig struct {
	Capacity         int `yaml:"capacity"`           // max entries, inbound + outbound
	MessageExpiryMs  int `yaml:"message_expiry_ms"`  // default TTL for enqueued messages
	StatusExpiryMs   int `yaml:"status_expiry_ms"`   // short TTL for status updates
	MaxRetryAttempts int `yaml:"max_retry_attempts"` // retries before Failed
	RetryIntervalMs  int `yaml:"retry_interval_ms"`  // ack wait / retry spacing
}

// LinkConfig holds broker link settings.
type LinkConfig struct {
	URL           string `yaml:"url"`            // e.g. nats://broker.local:4222
	CredentialEnv string `yaml:"credential_env"` // env var holding user:pass, optional
	TopicPrefix   string `yaml:"topic_prefix"`   // e.g. consultease/faculty
	SendTimeoutMs int    `yaml:"send_timeout_ms"`
	HeartbeatMs   int    `yaml:"heartbeat_ms"` // heartbeat emit interval
}

// GatewayConfig holds the local UI-facing HTTP surface settings.
type GatewayConfig struct {
	BindAddr string `yaml:"bind_addr"`
	Token    string `yaml:"token"` // optional bearer token
}

// MaintenanceConfig holds cron expressions for periodic housekeeping.
type MaintenanceConfig struct {
	SweepSchedule    string `yaml:"sweep_schedule"`    // expiry sweep cadence
	SnapshotSchedule string `yaml:"snapshot_schedule"` // presence snapshot persist cadence
	StatsSchedule    string `yaml:"stats_schedule"`    // stats report cadence
}

// OTelConfig mirrors the otel package config so it can live in config.yaml.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root configuration object, passed explicitly to each
// component at construction.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"` // defaults to <home>/deskunit.db

	Subject     SubjectConfig     `yaml:"subject"`
	Presence    PresenceConfig    `yaml:"presence"`
	Queue       QueueConfig       `yaml:"queue"`
	Link        LinkConfig        `yaml:"link"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        OTelConfig        `yaml:"otel"`
}

// HomeDir resolves the unit's home directory, honoring DESKUNIT_HOME.
func HomeDir() string {
	if override := os.Getenv("DESKUNIT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".deskunit")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the unit home, applies defaults and env
// overrides, and validates the result. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create deskunit home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LinkCredentials returns the broker credentials, env var first.
func (c Config) LinkCredentials() string {
	if c.Link.CredentialEnv != "" {
		if v := os.Getenv(c.Link.CredentialEnv); v != "" {
			return v
		}
	}
	return ""
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Subject: SubjectConfig{
			ID: "1",
		},
		Presence: PresenceConfig{
			SignalThresholdDBm:    -80,
			PresenceConfirmMs:     6000,
			AbsenceConfirmMs:      90000,
			GracePeriodMs:         60000,
			FastReconnectMs:       2000,
			FastReconnectWindowMs: 20000,
			SlowReconnectMs:       5000,
			MaxReconnectAttempts:  12,
			SearchScanMs:          2000,
			MonitorScanMs:         8000,
			VerificationScanMs:    1000,
			VerificationWindowMs:  5000,
		},
		Queue: QueueConfig{
			Capacity:         20,
			MessageExpiryMs:  300000,
			StatusExpiryMs:   60000,
			MaxRetryAttempts: 3,
			RetryIntervalMs:  5000,
		},
		Link: LinkConfig{
			URL:           "nats://127.0.0.1:4222",
			TopicPrefix:   "consultease/faculty",
			SendTimeoutMs: 3000,
			HeartbeatMs:   300000,
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:    "* * * * *",
			SnapshotSchedule: "*/5 * * * *",
			StatsSchedule:    "0 * * * *",
		},
		OTel: OTelConfig{
			Exporter:    "otlp-http",
			ServiceName: "deskunit",
			SampleRate:  1.0,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DESKUNIT_LINK_URL"); v != "" {
		cfg.Link.URL = v
	}
	if v := os.Getenv("DESKUNIT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("DESKUNIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "deskunit.db")
	}
	if strings.TrimSpace(cfg.Subject.ID) == "" {
		cfg.Subject.ID = def.Subject.ID
	}
	p, dp := &cfg.Presence, def.Presence
	if p.SignalThresholdDBm == 0 {
		p.SignalThresholdDBm = dp.SignalThresholdDBm
	}
	if p.PresenceConfirmMs <= 0 {
		p.PresenceConfirmMs = dp.PresenceConfirmMs
	}
	if p.GracePeriodMs <= 0 {
		p.GracePeriodMs = dp.GracePeriodMs
	}
	if p.AbsenceConfirmMs <= 0 {
		p.AbsenceConfirmMs = p.GracePeriodMs + 30000
	}
	if p.FastReconnectMs <= 0 {
		p.FastReconnectMs = dp.FastReconnectMs
	}
	if p.FastReconnectWindowMs <= 0 {
		p.FastReconnectWindowMs = dp.FastReconnectWindowMs
	}
	if p.SlowReconnectMs <= 0 {
		p.SlowReconnectMs = dp.SlowReconnectMs
	}
	if p.MaxReconnectAttempts <= 0 {
		p.MaxReconnectAttempts = dp.MaxReconnectAttempts
	}
	if p.SearchScanMs <= 0 {
		p.SearchScanMs = dp.SearchScanMs
	}
	if p.MonitorScanMs <= 0 {
		p.MonitorScanMs = dp.MonitorScanMs
	}
	if p.VerificationScanMs <= 0 {
		p.VerificationScanMs = dp.VerificationScanMs
	}
	if p.VerificationWindowMs <= 0 {
		p.VerificationWindowMs = dp.VerificationWindowMs
	}
	q, dq := &cfg.Queue, def.Queue
	if q.Capacity <= 0 {
		q.Capacity = dq.Capacity
	}
	if q.MessageExpiryMs <= 0 {
		q.MessageExpiryMs = dq.MessageExpiryMs
	}
	if q.StatusExpiryMs <= 0 {
		q.StatusExpiryMs = dq.StatusExpiryMs
	}
	if q.MaxRetryAttempts <= 0 {
		q.MaxRetryAttempts = dq.MaxRetryAttempts
	}
	if q.RetryIntervalMs <= 0 {
		q.RetryIntervalMs = dq.RetryIntervalMs
	}
	l, dl := &cfg.Link, def.Link
	if l.URL == "" {
		l.URL = dl.URL
	}
	if l.TopicPrefix == "" {
		l.TopicPrefix = dl.TopicPrefix
	}
	if l.SendTimeoutMs <= 0 {
		l.SendTimeoutMs = dl.SendTimeoutMs
	}
	if l.HeartbeatMs <= 0 {
		l.HeartbeatMs = dl.HeartbeatMs
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	m, dm := &cfg.Maintenance, def.Maintenance
	if m.SweepSchedule == "" {
		m.SweepSchedule = dm.SweepSchedule
	}
	if m.SnapshotSchedule == "" {
		m.SnapshotSchedule = dm.SnapshotSchedule
	}
	if m.StatsSchedule == "" {
		m.StatsSchedule = dm.StatsSchedule
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.SampleRate <= 0 {
		cfg.OTel.SampleRate = def.OTel.SampleRate
	}
}

func validate(cfg *Config) error {
	p := cfg.Presence
	if p.SignalThresholdDBm > 0 {
		return fmt.Errorf("presence.signal_threshold_dbm (%d) must be negative dBm", p.SignalThresholdDBm)
	}
	// A safety net shorter than the grace period would force Absent before
	// any grace window could resolve, making grace unreachable.
	if p.AbsenceConfirmMs < p.GracePeriodMs {
		return fmt.Errorf("presence.absence_confirm_ms (%d) must be >= presence.grace_period_ms (%d)",
			p.AbsenceConfirmMs, p.GracePeriodMs)
	}
	if p.FastReconnectMs > p.SlowReconnectMs {
		return fmt.Errorf("presence.fast_reconnect_ms (%d) must be <= presence.slow_reconnect_ms (%d)",
			p.FastReconnectMs, p.SlowReconnectMs)
	}
	if cfg.Queue.StatusExpiryMs > cfg.Queue.MessageExpiryMs {
		return fmt.Errorf("queue.status_expiry_ms (%d) must be <= queue.message_expiry_ms (%d)",
			cfg.Queue.StatusExpiryMs, cfg.Queue.MessageExpiryMs)
	}
	if strings.TrimSpace(cfg.Subject.BeaconID) == "" {
		return fmt.Errorf("subject.beacon_id is required")
	}
	return nil
}

// Duration helpers: config.yaml stores milliseconds, components take
// time.Duration.

func (p PresenceConfig) PresenceConfirm() time.Duration { return ms(p.PresenceConfirmMs) }
func (p PresenceConfig) AbsenceConfirm() time.Duration { return ms(p.AbsenceConfirmMs) }
func (p PresenceConfig) GracePeriod() time.Duration { return ms(p.GracePeriodMs) }
func (p PresenceConfig) FastReconnect() time.Duration { return ms(p.FastReconnectMs) }
func (p PresenceConfig) FastReconnectWindow() time.Duration { return ms(p.FastReconnectWindowMs) }
func (p PresenceConfig) SlowReconnect() time.Duration { return ms(p.SlowReconnectMs) }
func (p PresenceConfig) SearchScan() time.Duration { return ms(p.SearchScanMs) }
func (p PresenceConfig) MonitorScan() time.Duration { return ms(p.MonitorScanMs) }
func (p PresenceConfig) VerificationScan() time.Duration { return ms(p.VerificationScanMs) }
func (p PresenceConfig) VerificationWindow() time.Duration { return ms(p.VerificationWindowMs) }

func (q QueueConfig) MessageExpiry() time.Duration { return ms(q.MessageExpiryMs) }
func (q QueueConfig) StatusExpiry() time.Duration { return ms(q.StatusExpiryMs) }
func (q QueueConfig) RetryInterval() time.Duration { return ms(q.RetryIntervalMs) }

func (l LinkConfig) SendTimeout() time.Duration { return ms(l.SendTimeoutMs) }
func (l LinkConfig) HeartbeatInterval() time.Duration { return ms(l.HeartbeatMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
