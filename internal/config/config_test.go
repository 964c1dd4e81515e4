package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.LLM.PrimaryModel != DefaultPrimaryModel {
		t.Errorf("primary model = %q", cfg.LLM.PrimaryModel)
	}
	if cfg.LLM.FallbackModel != DefaultFallbackModel {
		t.Errorf("fallback model = %q", cfg.LLM.FallbackModel)
	}
	if !cfg.LLM.FallbackEnabled {
		t.Error("fallback disabled by default")
	}
	if !cfg.Cache.Enabled || cfg.Cache.AutoSave {
		t.Errorf("cache defaults: enabled=%v auto=%v, want enabled, manual",
			cfg.Cache.Enabled, cfg.Cache.AutoSave)
	}
	if cfg.Cache.TTL != 7*24*time.Hour {
		t.Errorf("cache TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Cache.FuzzyThreshold != 0.99 {
		t.Errorf("fuzzy threshold = %v", cfg.Cache.FuzzyThreshold)
	}
	if cfg.ContextTTL != 24*time.Hour {
		t.Errorf("context TTL = %v", cfg.ContextTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("SLACK_APP_TOKEN", "xapp-test")
	t.Setenv("LLM_PRIMARY_MODEL", "openai/gpt-4o-mini")
	t.Setenv("LLM_FALLBACK_ENABLED", "false")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("CACHE_TTL_SECONDS", "3600")
	t.Setenv("CACHE_FUZZY_THRESHOLD", "0.8")
	t.Setenv("MCP_SYNTH_URL", "http://localhost:8111/mcp")
	t.Setenv("THREAD_CONTEXT_DB", "/tmp/test.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Slack.BotToken != "xoxb-test" || cfg.Slack.AppToken != "xapp-test" {
		t.Errorf("slack tokens = %+v", cfg.Slack)
	}
	if cfg.LLM.PrimaryModel != "openai/gpt-4o-mini" {
		t.Errorf("primary model = %q", cfg.LLM.PrimaryModel)
	}
	if cfg.LLM.FallbackEnabled {
		t.Error("fallback still enabled")
	}
	if cfg.Cache.Enabled {
		t.Error("cache still enabled")
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("cache TTL = %v", cfg.Cache.TTL)
	}
	if cfg.Cache.FuzzyThreshold != 0.8 {
		t.Errorf("fuzzy threshold = %v", cfg.Cache.FuzzyThreshold)
	}
	if cfg.MCP.SynthURL != "http://localhost:8111/mcp" {
		t.Errorf("synth url = %q", cfg.MCP.SynthURL)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("db path = %q", cfg.DBPath)
	}
}

func TestYAMLFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_OPENROUTER_KEY", "sk-or-test")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
llm:
  primary_model: anthropic/claude-sonnet-4.5
  openrouter_api_key: ${TEST_OPENROUTER_KEY}
cache:
  auto_save: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.PrimaryModel != "anthropic/claude-sonnet-4.5" {
		t.Errorf("primary model = %q", cfg.LLM.PrimaryModel)
	}
	if cfg.LLM.OpenRouterAPIKey != "sk-or-test" {
		t.Errorf("api key not expanded: %q", cfg.LLM.OpenRouterAPIKey)
	}
	if !cfg.Cache.AutoSave {
		t.Error("auto_save not applied")
	}
	// Untouched values keep their defaults.
	if cfg.LLM.FallbackModel != DefaultFallbackModel {
		t.Errorf("fallback model = %q", cfg.LLM.FallbackModel)
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	t.Setenv("LLM_PRIMARY_MODEL", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  primary_model: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.PrimaryModel != "from-env" {
		t.Errorf("primary model = %q, want env to win", cfg.LLM.PrimaryModel)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Cache.FuzzyThreshold = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("threshold 1.5 accepted")
	}

	cfg = Default()
	cfg.MCP.Timeout = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero MCP timeout accepted")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tc := range cases {
		cfg := &Config{LogLevel: tc.in}
		if got := cfg.SlogLevel(); got != tc.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
