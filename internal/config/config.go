// Package config loads bot configuration from the environment, with an
// optional YAML file layered underneath. Environment variables always win.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSynthURL    = "https://company-mcp.com/mcp/synth"
	DefaultPostgresURL = "https://company-mcp.com/mcp/postgres"

	DefaultPrimaryModel  = "anthropic/claude-opus-4.5"
	DefaultFallbackModel = "gpt-4o"

	DefaultDBPath = "./data/thread_contexts.db"
)

// Slack holds chat-platform credentials.
type Slack struct {
	BotToken      string `yaml:"bot_token"`
	AppToken      string `yaml:"app_token"`
	SigningSecret string `yaml:"signing_secret"`
}

// MCP holds MCP server endpoints and the shared request timeout.
type MCP struct {
	SynthURL    string        `yaml:"synth_url"`
	PostgresURL string        `yaml:"postgres_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LLM holds provider models, keys, and the fallback switch. The base URLs
// default to the public endpoints; overriding them supports proxies and
// tests.
type LLM struct {
	PrimaryModel     string `yaml:"primary_model"`
	FallbackModel    string `yaml:"fallback_model"`
	FallbackEnabled  bool   `yaml:"fallback_enabled"`
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenRouterURL    string `yaml:"openrouter_url"`
	OpenAIURL        string `yaml:"openai_url"`
	MaxTokens        int    `yaml:"max_tokens"`
}

// Cache holds query-cache tuning.
type Cache struct {
	Enabled        bool          `yaml:"enabled"`
	TTL            time.Duration `yaml:"ttl"`
	FuzzyThreshold float64       `yaml:"fuzzy_threshold"`
	AutoSave       bool          `yaml:"auto_save"`
}

// Config is the full bot configuration.
type Config struct {
	Slack Slack `yaml:"slack"`
	MCP   MCP   `yaml:"mcp"`
	LLM   LLM   `yaml:"llm"`
	Cache Cache `yaml:"cache"`

	DBPath      string        `yaml:"db_path"`
	ContextTTL  time.Duration `yaml:"context_ttl"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

// Default returns the configuration defaults before file and env layering.
func Default() *Config {
	return &Config{
		MCP: MCP{
			SynthURL:    DefaultSynthURL,
			PostgresURL: DefaultPostgresURL,
			Timeout:     60 * time.Second,
		},
		LLM: LLM{
			PrimaryModel:    DefaultPrimaryModel,
			FallbackModel:   DefaultFallbackModel,
			FallbackEnabled: true,
			MaxTokens:       4096,
		},
		Cache: Cache{
			Enabled:        true,
			TTL:            7 * 24 * time.Hour,
			FuzzyThreshold: 0.99,
			AutoSave:       false,
		},
		DBPath:     DefaultDBPath,
		ContextTTL: 24 * time.Hour,
		LogLevel:   "INFO",
	}
}

// Load builds the configuration: defaults, then the optional YAML file at
// path, then a .env file if present, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Slack.BotToken, "SLACK_BOT_TOKEN")
	envString(&c.Slack.AppToken, "SLACK_APP_TOKEN")
	envString(&c.Slack.SigningSecret, "SLACK_SIGNING_SECRET")

	envString(&c.MCP.SynthURL, "MCP_SYNTH_URL")
	envString(&c.MCP.PostgresURL, "MCP_POSTGRES_URL")
	envSeconds(&c.MCP.Timeout, "MCP_TIMEOUT_SECONDS")

	envString(&c.LLM.PrimaryModel, "LLM_PRIMARY_MODEL")
	envString(&c.LLM.FallbackModel, "LLM_FALLBACK_MODEL")
	envBool(&c.LLM.FallbackEnabled, "LLM_FALLBACK_ENABLED")
	envString(&c.LLM.OpenRouterAPIKey, "OPENROUTER_API_KEY")
	envString(&c.LLM.OpenAIAPIKey, "OPENAI_API_KEY")
	envString(&c.LLM.OpenRouterURL, "OPENROUTER_BASE_URL")
	envString(&c.LLM.OpenAIURL, "OPENAI_BASE_URL")
	envInt(&c.LLM.MaxTokens, "LLM_MAX_TOKENS")

	envBool(&c.Cache.Enabled, "CACHE_ENABLED")
	envSeconds(&c.Cache.TTL, "CACHE_TTL_SECONDS")
	envFloat(&c.Cache.FuzzyThreshold, "CACHE_FUZZY_THRESHOLD")
	envBool(&c.Cache.AutoSave, "CACHE_AUTO_SAVE")

	envString(&c.DBPath, "THREAD_CONTEXT_DB")
	envSeconds(&c.ContextTTL, "CONTEXT_TTL_SECONDS")
	envString(&c.MetricsAddr, "METRICS_ADDR")
	envString(&c.LogLevel, "LOG_LEVEL")
}

// Validate reports problems a human should fix. Missing credentials degrade
// at the component level, so only structurally broken values are fatal here.
func (c *Config) Validate() error {
	if c.Cache.FuzzyThreshold < 0 || c.Cache.FuzzyThreshold > 1 {
		return fmt.Errorf("cache fuzzy threshold must be in [0,1], got %v", c.Cache.FuzzyThreshold)
	}
	if c.MCP.Timeout <= 0 {
		return fmt.Errorf("mcp timeout must be positive, got %v", c.MCP.Timeout)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %v", c.Cache.TTL)
	}
	if c.ContextTTL <= 0 {
		return fmt.Errorf("context TTL must be positive, got %v", c.ContextTTL)
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off":
			*dst = false
		}
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
