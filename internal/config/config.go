// Package config handles sentinel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yml, ./config.yaml, ~/.config/sentinel/config.yaml,
// /config/config.yaml, /etc/sentinel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yml", "config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sentinel", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/sentinel/config.yaml")
	return paths
}

// searchPathsFunc is overridden in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all sentinel configuration, mirroring the sections of
// the documented YAML contract: app, database, redis, github, ai,
// schedule, notification, plus top-level log_level/log_file.
type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	GitHub       GitHubConfig       `yaml:"github"`
	AI           AIConfig           `yaml:"ai"`
	Schedule     ScheduleConfig     `yaml:"schedule"`
	Notification NotificationConfig `yaml:"notification"`
	LogLevel     string             `yaml:"log_level"`
	LogFile      string             `yaml:"log_file"`

	// DevMode gates the demo-token auth bypass (see design note in
	// SPEC_FULL.md §9 / DESIGN.md). Never set true in production.
	DevMode bool `yaml:"dev_mode"`
}

// AppConfig holds process-level identity and bind settings.
type AppConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig points at the SQLite file backing the Activity Store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig is parsed for schema completeness with the documented
// config contract. No sentinel component currently requires a cache —
// the Activity Store (§4.B) is the system of record and the Platform
// Client's rate limiter is in-process — so this section is inert today
// and no Redis client dependency is wired.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GitHubConfig configures the Platform Client (§4.A).
type GitHubConfig struct {
	Token   string `yaml:"token"`
	APIURL  string `yaml:"api_url"`
	Retries int    `yaml:"retries"`
	DelayMS int    `yaml:"delay_ms"`
}

// AIConfig configures the LLM Adapter (§4.H).
type AIConfig struct {
	Provider    string  `yaml:"provider"`
	Credentials string  `yaml:"credentials"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Configured reports whether the AI provider has credentials set. When
// false, the LLM Adapter always returns its deterministic fallback.
func (c AIConfig) Configured() bool {
	return c.Credentials != ""
}

// ScheduleConfig configures the Scheduler's (§4.D) time-triggered jobs.
type ScheduleConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DailyTime  string `yaml:"daily_time"`  // "HH:MM" local time, default 08:00
	WeeklyDay  int    `yaml:"weekly_day"`  // 1 (Monday) - 7 (Sunday)
	WeeklyTime string `yaml:"weekly_time"` // "HH:MM" local time
	Timezone   string `yaml:"timezone"`    // IANA zone name, default Asia/Shanghai
}

// NotificationConfig groups per-channel delivery settings (§4.E).
type NotificationConfig struct {
	Email   EmailConfig   `yaml:"email"`
	Chat    ChatConfig    `yaml:"chat"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// EmailConfig configures outbound SMTP submission.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	StartTLS bool   `yaml:"starttls"`
}

// ChatConfig configures the default chat incoming-webhook, used when a
// subscription's delivery.targets.chatHooks list is empty but chat
// delivery is declared.
type ChatConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig configures default generic-webhook delivery and the
// HMAC signing secret applied when a subscription doesn't declare its
// own.
type WebhookConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks. A missing or unreadable file is
// returned as an error; callers that need config without a file use
// Default() and apply their own overrides. Load is only called once a
// path has been found via FindConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${GITHUB_TOKEN}). Convenience
	// for container deployments; putting values directly in the file
	// also works.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sentinel"
	}
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/sentinel.db"
	}
	if c.GitHub.APIURL == "" {
		c.GitHub.APIURL = "https://api.github.com"
	}
	if c.GitHub.Retries == 0 {
		c.GitHub.Retries = 3
	}
	if c.GitHub.DelayMS == 0 {
		c.GitHub.DelayMS = 500
	}
	if c.AI.Provider == "" {
		c.AI.Provider = "openai-compatible"
	}
	if c.AI.MaxTokens == 0 {
		c.AI.MaxTokens = 1024
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.7
	}
	if c.Schedule.DailyTime == "" {
		c.Schedule.DailyTime = "08:00"
	}
	if c.Schedule.WeeklyDay == 0 {
		c.Schedule.WeeklyDay = 1 // Monday
	}
	if c.Schedule.WeeklyTime == "" {
		c.Schedule.WeeklyTime = "08:00"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Asia/Shanghai"
	}
	if c.Notification.Webhook.TimeoutMS == 0 {
		c.Notification.Webhook.TimeoutMS = 30_000
	}
	if c.Notification.Email.Port == 0 {
		c.Notification.Email.Port = 587
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.App.Port < 1 || c.App.Port > 65535 {
		return fmt.Errorf("app.port %d out of range (1-65535)", c.App.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Schedule.WeeklyDay < 1 || c.Schedule.WeeklyDay > 7 {
		return fmt.Errorf("schedule.weekly_day %d out of range (1-7)", c.Schedule.WeeklyDay)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	if _, err := time.Parse("15:04", c.Schedule.DailyTime); err != nil {
		return fmt.Errorf("schedule.daily_time %q: must be HH:MM", c.Schedule.DailyTime)
	}
	if _, err := time.Parse("15:04", c.Schedule.WeeklyTime); err != nil {
		return fmt.Errorf("schedule.weekly_time %q: must be HH:MM", c.Schedule.WeeklyTime)
	}
	if c.DevMode && os.Getenv("SENTINEL_ENV") == "production" {
		return fmt.Errorf("dev_mode must not be enabled when SENTINEL_ENV=production")
	}
	return nil
}

// Default returns a default configuration with every field populated,
// suitable as a base that Load unmarshals a file on top of.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
