// Package config loads and validates the daemon configuration from
// config.yaml under the foreman home directory, with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig declares one executor the dispatcher may use.
type ExecutorConfig struct {
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	Env            []string `yaml:"env"`
	HealthCommand  []string `yaml:"health_command"`
	Priority       int      `yaml:"priority"`
	MaxConcurrency int64    `yaml:"max_concurrency"`
	Roles          []string `yaml:"roles"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (e ExecutorConfig) Timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// BreakerConfig tunes the per-executor circuit breakers.
type BreakerConfig struct {
	Threshold       uint32 `yaml:"threshold"`
	CooldownSeconds int    `yaml:"cooldown_seconds"`
	MaxCooldownSecs int    `yaml:"max_cooldown_seconds"`
}

// OTelConfig controls trace and metric export. Disabled means noop
// providers with zero overhead.
type OTelConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"` // "otlp-http" or "stdout"
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// TelegramConfig configures the escalation notifier channel.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// ChannelsConfig groups the outbound notification channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// FairnessConfig tunes the advisory starvation warning.
type FairnessConfig struct {
	WarnAgeSeconds int `yaml:"warn_age_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// StrictWrites makes dropped counter writes an error instead of a
	// logged warning.
	StrictWrites bool `yaml:"strict_writes"`

	SchedulerTickSeconds int    `yaml:"scheduler_tick_seconds"`
	WatchdogCron         string `yaml:"watchdog_cron"`
	WatchdogGraceSeconds int    `yaml:"watchdog_grace_seconds"`
	JobTimeoutSeconds    int    `yaml:"job_timeout_seconds"`

	// Lanes maps lane names to WIP ceilings. Missing lanes use defaults.
	Lanes map[string]int `yaml:"lanes"`

	Executors []ExecutorConfig `yaml:"executors"`
	Breaker   BreakerConfig    `yaml:"breaker"`

	RolesFile string `yaml:"roles_file"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// websocket connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	OTel     OTelConfig     `yaml:"otel"`
	Channels ChannelsConfig `yaml:"channels"`
	Fairness FairnessConfig `yaml:"fairness"`
}

func (c Config) SchedulerTick() time.Duration {
	return time.Duration(c.SchedulerTickSeconds) * time.Second
}

func (c Config) WatchdogGrace() time.Duration {
	return time.Duration(c.WatchdogGraceSeconds) * time.Second
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) FairnessWarnAge() time.Duration {
	return time.Duration(c.Fairness.WarnAgeSeconds) * time.Second
}

func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.Breaker.CooldownSeconds) * time.Second
}

func (c Config) BreakerMaxCooldown() time.Duration {
	return time.Duration(c.Breaker.MaxCooldownSecs) * time.Second
}

// RolesPath resolves the roles file relative to the home directory.
func (c Config) RolesPath() string {
	if c.RolesFile == "" {
		return filepath.Join(c.HomeDir, "roles.yaml")
	}
	if filepath.IsAbs(c.RolesFile) {
		return c.RolesFile
	}
	return filepath.Join(c.HomeDir, c.RolesFile)
}

// DBPath returns the sqlite database path under the home directory.
func (c Config) DBPath() string {
	return filepath.Join(c.HomeDir, "foreman.db")
}

// Fingerprint returns a stable hash of the active config, logged at
// startup and after reloads so drift is visible.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|tick=%d|wd=%s|grace=%d|strict=%t|lanes=%v|breaker=%d/%d/%d|origins=%v",
		c.BindAddr, c.LogLevel, c.SchedulerTickSeconds, c.WatchdogCron, c.WatchdogGraceSeconds,
		c.StrictWrites, c.Lanes, c.Breaker.Threshold, c.Breaker.CooldownSeconds, c.Breaker.MaxCooldownSecs,
		c.AllowOrigins)
	for _, e := range c.Executors {
		fmt.Fprintf(h, "|exec=%s:%s:%d:%d", e.Name, e.Command, e.Priority, e.MaxConcurrency)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "127.0.0.1:18990",
		LogLevel:             "info",
		SchedulerTickSeconds: 2,
		WatchdogCron:         "*/1 * * * *",
		WatchdogGraceSeconds: 60,
		JobTimeoutSeconds:    int((30 * time.Minute).Seconds()),
		Lanes: map[string]int{
			"fastlane":  2,
			"mainlane":  4,
			"batchlane": 8,
		},
		Breaker: BreakerConfig{
			Threshold:       5,
			CooldownSeconds: 30,
			MaxCooldownSecs: 600,
		},
		Fairness: FairnessConfig{WarnAgeSeconds: 900},
		OTel:     OTelConfig{Exporter: "stdout", SampleRate: 1.0},
	}
}

// HomeDir resolves the foreman home, honoring FOREMAN_HOME.
func HomeDir() string {
	if override := os.Getenv("FOREMAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foreman")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the foreman home, applies environment
// overrides, and validates the result. A missing file yields defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create foreman home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
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

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.SchedulerTickSeconds <= 0 {
		cfg.SchedulerTickSeconds = d.SchedulerTickSeconds
	}
	if strings.TrimSpace(cfg.WatchdogCron) == "" {
		cfg.WatchdogCron = d.WatchdogCron
	}
	if cfg.WatchdogGraceSeconds < 0 {
		cfg.WatchdogGraceSeconds = d.WatchdogGraceSeconds
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = d.JobTimeoutSeconds
	}
	if cfg.Lanes == nil {
		cfg.Lanes = d.Lanes
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = d.Breaker.Threshold
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		cfg.Breaker.CooldownSeconds = d.Breaker.CooldownSeconds
	}
	if cfg.Breaker.MaxCooldownSecs < cfg.Breaker.CooldownSeconds {
		cfg.Breaker.MaxCooldownSecs = d.Breaker.MaxCooldownSecs
	}
	if cfg.Fairness.WarnAgeSeconds <= 0 {
		cfg.Fairness.WarnAgeSeconds = d.Fairness.WarnAgeSeconds
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = d.OTel.Exporter
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = 1.0
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool)
	for i, e := range cfg.Executors {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("executors[%d]: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("executors[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
		if strings.TrimSpace(e.Command) == "" {
			return fmt.Errorf("executor %q: command is required", e.Name)
		}
		if e.MaxConcurrency < 0 {
			return fmt.Errorf("executor %q: max_concurrency must not be negative", e.Name)
		}
	}
	for lane, limit := range cfg.Lanes {
		switch lane {
		case "fastlane", "mainlane", "batchlane":
		default:
			return fmt.Errorf("lanes: unknown lane %q", lane)
		}
		if limit < 0 {
			return fmt.Errorf("lanes: %s limit must not be negative", lane)
		}
	}
	switch cfg.OTel.Exporter {
	case "otlp-http", "stdout":
	default:
		return fmt.Errorf("otel.exporter must be otlp-http or stdout, got %q", cfg.OTel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FOREMAN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FOREMAN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FOREMAN_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("FOREMAN_STRICT_WRITES"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.StrictWrites = v
		}
	}
	if raw := os.Getenv("FOREMAN_SCHEDULER_TICK_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SchedulerTickSeconds = v
		}
	}
	if raw := os.Getenv("FOREMAN_JOB_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.JobTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
