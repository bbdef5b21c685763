package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load assembles the configuration: defaults, then the YAML file at path
// (if non-empty), then environment variables. A .env file in the working
// directory is folded into the environment first. The result is validated.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides config fields from DEFIPILOT_* environment variables.
// Durations are given in milliseconds, matching the wire-facing knobs.
func applyEnv(cfg *Config) {
	envStr("DEFIPILOT_HOST", &cfg.Server.Host)
	envInt("DEFIPILOT_PORT", &cfg.Server.Port)
	envInt("DEFIPILOT_MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	envMillis("DEFIPILOT_PING_INTERVAL_MS", &cfg.Server.PingInterval)
	envInt("DEFIPILOT_MESSAGE_QUEUE_SIZE", &cfg.Server.MessageQueueSize)
	envStr("DEFIPILOT_CORS_ORIGIN", &cfg.Server.CORSOrigin)
	envMillis("DEFIPILOT_REQUEST_TIMEOUT_MS", &cfg.Server.RequestTimeout)

	envStr("DEFIPILOT_LLM_PROVIDER", &cfg.LLM.Provider)
	envStr("DEFIPILOT_LLM_API_KEY", &cfg.LLM.APIKey)
	envStr("DEFIPILOT_LLM_BASE_URL", &cfg.LLM.BaseURL)
	envStr("DEFIPILOT_LLM_MODEL", &cfg.LLM.Model)
	envInt("DEFIPILOT_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("DEFIPILOT_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envMillis("DEFIPILOT_LLM_TIMEOUT_MS", &cfg.LLM.Timeout)
	envInt("DEFIPILOT_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)
	envMillis("DEFIPILOT_LLM_RETRY_DELAY_MS", &cfg.LLM.RetryDelay)
	envStr("DEFIPILOT_SYSTEM_PROMPT", &cfg.LLM.SystemPrompt)
	envInt("DEFIPILOT_MAX_ROUNDS", &cfg.LLM.MaxRounds)

	envInt("DEFIPILOT_MAX_HISTORY_LENGTH", &cfg.Sessions.MaxHistory)
	envMillis("DEFIPILOT_SESSION_TIMEOUT_MS", &cfg.Sessions.Timeout)
	envMillis("DEFIPILOT_CLEANUP_INTERVAL_MS", &cfg.Sessions.CleanupInterval)

	envMillis("DEFIPILOT_TOOL_TIMEOUT_MS", &cfg.Tools.Timeout)
	envInt("DEFIPILOT_TOOL_MAX_CONCURRENT", &cfg.Tools.MaxConcurrent)

	envStr("DEFIPILOT_FEEDS_BASE_URL", &cfg.Feeds.BaseURL)
	envStr("DEFIPILOT_FEEDS_API_KEY", &cfg.Feeds.APIKey)
	envMillis("DEFIPILOT_FEEDS_TIMEOUT_MS", &cfg.Feeds.Timeout)

	envStr("DEFIPILOT_LOG_LEVEL", &cfg.Logging.Level)
	envStr("DEFIPILOT_LOG_FORMAT", &cfg.Logging.Format)

	// Provider keys are also accepted in their conventional names.
	if cfg.LLM.APIKey == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			envStr("ANTHROPIC_API_KEY", &cfg.LLM.APIKey)
		case "openai":
			envStr("OPENAI_API_KEY", &cfg.LLM.APIKey)
		}
	}
}

func envStr(key string, out *string) {
	if v := os.Getenv(key); v != "" {
		*out = v
	}
}

func envInt(key string, out *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envFloat(key string, out *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*out = f
		}
	}
}

func envMillis(key string, out *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*out = time.Duration(n) * time.Millisecond
		}
	}
}
