package config

import (
	"os"
	"path/filepath"
	"testing"
)

func loadFromHome(t *testing.T, yaml string) Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("PROXYCAST_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config.yaml: %v", err)
		}
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadFromHome(t, "")

	if cfg.BindAddr != "127.0.0.1:8484" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.DefaultModel != "claude-sonnet-4-5" {
		t.Fatalf("DefaultModel = %q", cfg.DefaultModel)
	}
	if cfg.Scheduler.FailureThreshold != 3 || cfg.Scheduler.CooldownSeconds != 300 {
		t.Fatalf("scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.DBPath != filepath.Join(cfg.HomeDir, "proxycast.db") {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Workspace != filepath.Join(cfg.HomeDir, "workspace") {
		t.Fatalf("Workspace = %q", cfg.Workspace)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	t.Setenv("PROXYCAST_BIND_ADDR", "127.0.0.1:9999")
	cfg := loadFromHome(t, `
bind_addr: 0.0.0.0:1234
log_level: debug
retry:
  max_retries: 9
`)

	// Env wins over yaml.
	if cfg.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Retry.MaxRetries != 9 {
		t.Fatalf("Retry.MaxRetries = %d", cfg.Retry.MaxRetries)
	}
}

func TestLoadTelegramAllowList(t *testing.T) {
	t.Setenv("PROXYCAST_TELEGRAM_ALLOWED_IDS", "7, 42 ,junk,")
	cfg := loadFromHome(t, "")

	ids := cfg.Channels.Telegram.AllowedIDs
	if len(ids) != 2 || ids[0] != 7 || ids[1] != 42 {
		t.Fatalf("AllowedIDs = %v", ids)
	}
}

func TestNormalizeClampsAndValidates(t *testing.T) {
	cfg := loadFromHome(t, `
default_strategy: bogus
channels:
  telegram:
    poll_timeout_seconds: 900
retry:
  base_delay_ms: 5000
  max_delay_ms: 100
`)

	if cfg.DefaultStrategy != "auto" {
		t.Fatalf("DefaultStrategy = %q", cfg.DefaultStrategy)
	}
	if cfg.Channels.Telegram.PollTimeout != 60 {
		t.Fatalf("PollTimeout = %d", cfg.Channels.Telegram.PollTimeout)
	}
	if cfg.Retry.MaxDelayMS != 5000 {
		t.Fatalf("MaxDelayMS = %d, want raised to base", cfg.Retry.MaxDelayMS)
	}
}

func TestFingerprintStable(t *testing.T) {
	cfg := loadFromHome(t, "")
	a, b := cfg.Fingerprint(), cfg.Fingerprint()
	if a == "" || a != b {
		t.Fatalf("fingerprint unstable: %q vs %q", a, b)
	}
	cfg.BindAddr = "somewhere:else"
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint did not change with config")
	}
}
