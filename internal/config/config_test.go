package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("app:\n  name: sentinel\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.App.Port != 8080 {
		t.Errorf("App.Port = %d, want 8080", cfg.App.Port)
	}
	if cfg.Database.Path != "./data/sentinel.db" {
		t.Errorf("Database.Path = %q, want ./data/sentinel.db", cfg.Database.Path)
	}
	if cfg.GitHub.APIURL != "https://api.github.com" {
		t.Errorf("GitHub.APIURL = %q, want https://api.github.com", cfg.GitHub.APIURL)
	}
	if cfg.GitHub.Retries != 3 {
		t.Errorf("GitHub.Retries = %d, want 3", cfg.GitHub.Retries)
	}
	if cfg.AI.Provider != "openai-compatible" {
		t.Errorf("AI.Provider = %q, want openai-compatible", cfg.AI.Provider)
	}
	if cfg.AI.MaxTokens != 1024 {
		t.Errorf("AI.MaxTokens = %d, want 1024", cfg.AI.MaxTokens)
	}
	if cfg.Schedule.DailyTime != "08:00" {
		t.Errorf("Schedule.DailyTime = %q, want 08:00", cfg.Schedule.DailyTime)
	}
	if cfg.Schedule.WeeklyDay != 1 {
		t.Errorf("Schedule.WeeklyDay = %d, want 1", cfg.Schedule.WeeklyDay)
	}
	if cfg.Schedule.Timezone != "Asia/Shanghai" {
		t.Errorf("Schedule.Timezone = %q, want Asia/Shanghai", cfg.Schedule.Timezone)
	}
	if cfg.Notification.Webhook.TimeoutMS != 30_000 {
		t.Errorf("Notification.Webhook.TimeoutMS = %d, want 30000", cfg.Notification.Webhook.TimeoutMS)
	}
	if cfg.Notification.Email.Port != 587 {
		t.Errorf("Notification.Email.Port = %d, want 587", cfg.Notification.Email.Port)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("github:\n  token: ${SENTINEL_TEST_TOKEN}\n"), 0600)
	os.Setenv("SENTINEL_TEST_TOKEN", "ghp_abc123")
	defer os.Unsetenv("SENTINEL_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.GitHub.Token != "ghp_abc123" {
		t.Errorf("token = %q, want %q", cfg.GitHub.Token, "ghp_abc123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("ai:\n  credentials: sk-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AI.Credentials != "sk-test-key" {
		t.Errorf("credentials = %q, want %q", cfg.AI.Credentials, "sk-test-key")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
app:
  port: 9090
schedule:
  weekly_day: 5
  timezone: UTC
notification:
  webhook:
    enabled: true
    url: https://example.com/hook
`
	os.WriteFile(path, []byte(body), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.App.Port != 9090 {
		t.Errorf("App.Port = %d, want 9090", cfg.App.Port)
	}
	if cfg.Schedule.WeeklyDay != 5 {
		t.Errorf("Schedule.WeeklyDay = %d, want 5", cfg.Schedule.WeeklyDay)
	}
	if cfg.Schedule.Timezone != "UTC" {
		t.Errorf("Schedule.Timezone = %q, want UTC", cfg.Schedule.Timezone)
	}
	if !cfg.Notification.Webhook.Enabled {
		t.Error("Notification.Webhook.Enabled = false, want true")
	}
	if cfg.Notification.Webhook.URL != "https://example.com/hook" {
		t.Errorf("Notification.Webhook.URL = %q, want https://example.com/hook", cfg.Notification.Webhook.URL)
	}
}

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("app:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Override searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (~/.config/sentinel/config.yaml, etc).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_SearchPathFound(t *testing.T) {
	dir := t.TempDir()
	candidate := filepath.Join(dir, "config.yaml")
	os.WriteFile(candidate, []byte("app:\n  name: x\n"), 0600)

	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "missing.yaml"), candidate}
	}
	defer func() { searchPathsFunc = orig }()

	found, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig error: %v", err)
	}
	if found != candidate {
		t.Errorf("found = %q, want %q", found, candidate)
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("app:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestValidate_PortRange(t *testing.T) {
	cfg := Default()
	cfg.App.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	cfg = Default()
	cfg.App.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 70000")
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid log level")
	}

	cfg.LogLevel = "debug"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error for valid log level: %v", err)
	}
}

func TestValidate_WeeklyDayRange(t *testing.T) {
	tests := []struct {
		name    string
		day     int
		wantErr bool
	}{
		{"zero", 0, true},
		{"monday", 1, false},
		{"sunday", 7, false},
		{"too_high", 8, true},
		{"negative", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Schedule.WeeklyDay = tt.day
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("weekly_day %d: expected error, got nil", tt.day)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("weekly_day %d: unexpected error: %v", tt.day, err)
			}
		})
	}
}

func TestValidate_Timezone(t *testing.T) {
	cfg := Default()
	cfg.Schedule.Timezone = "Not/A/Zone"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid timezone")
	}
	if !strings.Contains(err.Error(), "timezone") {
		t.Errorf("error should mention timezone, got: %v", err)
	}
}

func TestValidate_TimeFormats(t *testing.T) {
	tests := []struct {
		name       string
		dailyTime  string
		weeklyTime string
		wantErr    bool
	}{
		{"valid", "08:00", "17:30", false},
		{"bad_daily", "8am", "17:30", true},
		{"bad_weekly", "08:00", "5:30pm", true},
		{"empty_daily", "", "17:30", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Schedule.DailyTime = tt.dailyTime
			cfg.Schedule.WeeklyTime = tt.weeklyTime
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Errorf("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate_DevModeProductionGuard(t *testing.T) {
	os.Setenv("SENTINEL_ENV", "production")
	defer os.Unsetenv("SENTINEL_ENV")

	cfg := Default()
	cfg.DevMode = true
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when dev_mode=true and SENTINEL_ENV=production")
	}
	if !strings.Contains(err.Error(), "dev_mode") {
		t.Errorf("error should mention dev_mode, got: %v", err)
	}
}

func TestValidate_DevModeAllowedOutsideProduction(t *testing.T) {
	os.Unsetenv("SENTINEL_ENV")

	cfg := Default()
	cfg.DevMode = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefault_ValidatesCleanly(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() config should validate cleanly: %v", err)
	}
}

func TestAIConfig_Configured(t *testing.T) {
	cfg := Default()
	if cfg.AI.Configured() {
		t.Error("Configured() = true for empty credentials, want false")
	}
	cfg.AI.Credentials = "sk-test"
	if !cfg.AI.Configured() {
		t.Error("Configured() = false for non-empty credentials, want true")
	}
}
