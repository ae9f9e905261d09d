package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

const minimalConfig = `
subject:
  id: "7"
  beacon_id: "51:00:25:04:02:A2"
`

func TestLoadFrom_Defaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, minimalConfig)

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Subject.ID != "7" {
		t.Errorf("Subject.ID = %q, want 7", cfg.Subject.ID)
	}
	if cfg.Presence.SignalThresholdDBm != -80 {
		t.Errorf("SignalThresholdDBm = %d, want -80", cfg.Presence.SignalThresholdDBm)
	}
	if cfg.Presence.GracePeriod() != 60*time.Second {
		t.Errorf("GracePeriod = %v, want 60s", cfg.Presence.GracePeriod())
	}
	if cfg.Presence.AbsenceConfirm() != 90*time.Second {
		t.Errorf("AbsenceConfirm = %v, want 90s", cfg.Presence.AbsenceConfirm())
	}
	if cfg.Queue.Capacity != 20 {
		t.Errorf("Capacity = %d, want 20", cfg.Queue.Capacity)
	}
	if cfg.Queue.MaxRetryAttempts != 3 {
		t.Errorf("MaxRetryAttempts = %d, want 3", cfg.Queue.MaxRetryAttempts)
	}
	if cfg.Link.TopicPrefix != "consultease/faculty" {
		t.Errorf("TopicPrefix = %q", cfg.Link.TopicPrefix)
	}
	if cfg.DBPath != filepath.Join(home, "deskunit.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Maintenance.SweepSchedule != "* * * * *" {
		t.Errorf("SweepSchedule = %q", cfg.Maintenance.SweepSchedule)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
subject:
  id: "3"
  beacon_id: "AA:BB"
presence:
  grace_period_ms: 30000
  absence_confirm_ms: 45000
queue:
  capacity: 15
link:
  url: nats://broker.campus:4222
  topic_prefix: consultease/helpdesk
`)

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Presence.GracePeriod() != 30*time.Second {
		t.Errorf("GracePeriod = %v, want 30s", cfg.Presence.GracePeriod())
	}
	if cfg.Queue.Capacity != 15 {
		t.Errorf("Capacity = %d, want 15", cfg.Queue.Capacity)
	}
	if cfg.Link.URL != "nats://broker.campus:4222" {
		t.Errorf("Link.URL = %q", cfg.Link.URL)
	}
}

func TestLoadFrom_MissingBeaconID(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
subject:
  id: "3"
`)
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error for missing beacon_id")
	}
}

func TestLoadFrom_AbsenceConfirmBelowGrace(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
subject:
  beacon_id: "AA:BB"
presence:
  grace_period_ms: 60000
  absence_confirm_ms: 15000
`)
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error: absence confirm below grace period")
	}
}

func TestLoadFrom_EnvOverride(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, minimalConfig)
	t.Setenv("DESKUNIT_LINK_URL", "nats://env.broker:4222")

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Link.URL != "nats://env.broker:4222" {
		t.Errorf("Link.URL = %q, want env override", cfg.Link.URL)
	}
}

func TestLinkCredentials(t *testing.T) {
	cfg := Config{Link: LinkConfig{CredentialEnv: "DESKUNIT_TEST_CRED"}}
	t.Setenv("DESKUNIT_TEST_CRED", "desk:pw")
	if got := cfg.LinkCredentials(); got != "desk:pw" {
		t.Errorf("LinkCredentials = %q", got)
	}
	cfg.Link.CredentialEnv = ""
	if got := cfg.LinkCredentials(); got != "" {
		t.Errorf("LinkCredentials = %q, want empty", got)
	}
}
