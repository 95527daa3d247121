// Package config loads the ProxyCast configuration from
// ~/.proxycast/config.yaml with environment-variable overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lyqf/proxycast/internal/telemetry"
)

// RetryConfig tunes the upstream retry policy.
type RetryConfig struct {
	MaxRetries  int     `yaml:"max_retries" env:"PROXYCAST_RETRY_MAX"`
	BaseDelayMS int     `yaml:"base_delay_ms" env:"PROXYCAST_RETRY_BASE_MS"`
	MaxDelayMS  int     `yaml:"max_delay_ms" env:"PROXYCAST_RETRY_MAX_MS"`
	Factor      float64 `yaml:"factor"`
	JitterRatio float64 `yaml:"jitter_ratio"`
}

// TimeoutConfig tunes the two upstream timeout budgets.
type TimeoutConfig struct {
	RequestTimeoutMS    int `yaml:"request_timeout_ms" env:"PROXYCAST_REQUEST_TIMEOUT_MS"`
	StreamIdleTimeoutMS int `yaml:"stream_idle_timeout_ms" env:"PROXYCAST_STREAM_IDLE_TIMEOUT_MS"`
}

// CredentialConfig tunes credential pool bookkeeping.
type CredentialConfig struct {
	ErrorDisableThreshold int `yaml:"error_disable_threshold"`
}

// SchedulerConfig tunes the cron/heartbeat engine.
type SchedulerConfig struct {
	Enabled              bool   `yaml:"enabled"`
	IntervalSeconds      int    `yaml:"interval_seconds" env:"PROXYCAST_HEARTBEAT_INTERVAL_SECS"`
	TaskFile             string `yaml:"task_file"`
	MaxParallel          int    `yaml:"max_parallel"`
	RetriesPerCycle      int    `yaml:"retries_per_cycle"`
	FailureThreshold     int    `yaml:"failure_threshold"`
	CooldownSeconds      int    `yaml:"cooldown_seconds"`
	TaskTimeoutSeconds   int    `yaml:"task_timeout_seconds"`
	DeliverTaskResults   bool   `yaml:"deliver_task_results"`
	WatchTaskFileChanges bool   `yaml:"watch_task_file_changes"`
}

// SandboxConfig selects and constrains the workspace sandbox backend.
type SandboxConfig struct {
	Backend       string `yaml:"backend"` // "unshare", "docker", "none"
	Strict        bool   `yaml:"strict" env:"PROXYCAST_SANDBOX_STRICT"`
	Image         string `yaml:"image"`
	MemoryMB      int64  `yaml:"memory_mb"`
	Network       string `yaml:"network"`
	CPUSeconds    int    `yaml:"cpu_seconds"`
	MaxProcesses  int    `yaml:"max_processes"`
	MaxFileSizeMB int64  `yaml:"max_file_size_mb"`
	MaxOpenFiles  int    `yaml:"max_open_files"`
}

// TelegramConfig configures the Telegram bridge.
type TelegramConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Token       string  `yaml:"token" env:"PROXYCAST_TELEGRAM_TOKEN"`
	AllowedIDs  []int64 `yaml:"allowed_ids"`
	PollTimeout int     `yaml:"poll_timeout_seconds"`
}

// ChannelsConfig groups remote transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MCPServerConfig declares one stdio MCP server to launch.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// MCPConfig groups MCP server declarations.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MemoryConfig controls hierarchical memory source composition.
type MemoryConfig struct {
	ManagedPolicyFile string   `yaml:"managed_policy_file"`
	UserFile          string   `yaml:"user_file"`
	ProjectFileNames  []string `yaml:"project_file_names"`
	RuleDirNames      []string `yaml:"rule_dir_names"`
	ExtraDirs         []string `yaml:"extra_dirs"`
	ExtraDirsEnabled  bool     `yaml:"extra_dirs_enabled"`
}

// Config is the root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr" env:"PROXYCAST_BIND_ADDR"`
	LogLevel  string `yaml:"log_level" env:"PROXYCAST_LOG_LEVEL"`
	Quiet     bool   `yaml:"quiet"`
	AuthToken string `yaml:"auth_token" env:"PROXYCAST_AUTH_TOKEN"`

	// AllowOrigins lists Origin patterns accepted for cross-origin
	// websocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
	DBPath    string `yaml:"db_path" env:"PROXYCAST_DB_PATH"`
	Workspace string `yaml:"workspace" env:"PROXYCAST_WORKSPACE"`

	DefaultModel    string `yaml:"default_model"`
	DefaultStrategy string `yaml:"default_strategy"` // react, code_orchestrated, auto

	Retry       RetryConfig           `yaml:"retry"`
	Timeouts    TimeoutConfig         `yaml:"timeouts"`
	Credentials CredentialConfig      `yaml:"credentials"`
	Scheduler   SchedulerConfig       `yaml:"scheduler"`
	Sandbox     SandboxConfig         `yaml:"sandbox"`
	Channels    ChannelsConfig        `yaml:"channels"`
	MCP         MCPConfig             `yaml:"mcp"`
	Memory      MemoryConfig          `yaml:"memory"`
	OTel        telemetry.OTelConfig  `yaml:"otel"`
}

// HomeDir resolves the ProxyCast home directory, honoring PROXYCAST_HOME.
func HomeDir() string {
	if dir := os.Getenv("PROXYCAST_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".proxycast")
}

// ConfigPath returns the path of the yaml config under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the ProxyCast home, applies env overrides and
// defaults. A missing file yields the default configuration.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create proxycast home: %w", err)
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

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("apply env overrides: %w", err)
	}
	applyLegacyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:8484",
		LogLevel:        "info",
		DefaultModel:    "claude-sonnet-4-5",
		DefaultStrategy: "auto",
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelayMS: 500,
			MaxDelayMS:  30_000,
			Factor:      2.0,
			JitterRatio: 0.2,
		},
		Timeouts: TimeoutConfig{
			RequestTimeoutMS:    120_000,
			StreamIdleTimeoutMS: 30_000,
		},
		Credentials: CredentialConfig{
			ErrorDisableThreshold: 5,
		},
		Scheduler: SchedulerConfig{
			Enabled:              true,
			IntervalSeconds:      60,
			MaxParallel:          2,
			RetriesPerCycle:      2,
			FailureThreshold:     3,
			CooldownSeconds:      300,
			TaskTimeoutSeconds:   600,
			DeliverTaskResults:   true,
			WatchTaskFileChanges: true,
		},
		Sandbox: SandboxConfig{
			Backend:       "unshare",
			Image:         "alpine:3.20",
			MemoryMB:      512,
			Network:       "none",
			CPUSeconds:    60,
			MaxProcesses:  64,
			MaxFileSizeMB: 64,
			MaxOpenFiles:  256,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{PollTimeout: 60},
		},
		Memory: MemoryConfig{
			ProjectFileNames: []string{"AGENT.md", "PROXYCAST.md"},
			RuleDirNames:     []string{".proxycast/rules"},
		},
	}
}

// applyLegacyEnvOverrides covers list-valued settings that env.Parse does not
// map cleanly (comma-separated chat id allow-list).
func applyLegacyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PROXYCAST_TELEGRAM_ALLOWED_IDS"); raw != "" {
		var ids []int64
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			cfg.Channels.Telegram.AllowedIDs = ids
		}
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "proxycast.db")
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.Scheduler.TaskFile == "" {
		cfg.Scheduler.TaskFile = filepath.Join(cfg.HomeDir, "HEARTBEAT.md")
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.FailureThreshold <= 0 {
		cfg.Scheduler.FailureThreshold = 3
	}
	if cfg.Scheduler.CooldownSeconds <= 0 {
		cfg.Scheduler.CooldownSeconds = 300
	}
	if cfg.Retry.Factor <= 1 {
		cfg.Retry.Factor = 2.0
	}
	if cfg.Retry.MaxDelayMS < cfg.Retry.BaseDelayMS {
		cfg.Retry.MaxDelayMS = cfg.Retry.BaseDelayMS
	}
	if cfg.Channels.Telegram.PollTimeout < 5 {
		cfg.Channels.Telegram.PollTimeout = 5
	}
	if cfg.Channels.Telegram.PollTimeout > 60 {
		cfg.Channels.Telegram.PollTimeout = 60
	}
	switch cfg.DefaultStrategy {
	case "react", "code_orchestrated", "auto":
	default:
		cfg.DefaultStrategy = "auto"
	}
}

// RequestTimeout returns the end-to-end upstream budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Timeouts.RequestTimeoutMS) * time.Millisecond
}

// StreamIdleTimeout returns the per-chunk idle budget.
func (c Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.StreamIdleTimeoutMS) * time.Millisecond
}

// Fingerprint hashes the active config for status reporting.
func (c Config) Fingerprint() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}
