// Package config loads and validates server configuration. Values come
// from defaults, an optional YAML file, and environment variables, in that
// order of increasing precedence. Validation failures are fatal at startup.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Sessions SessionsConfig `yaml:"sessions"`
	Tools    ToolsConfig    `yaml:"tools"`
	Feeds    FeedsConfig    `yaml:"feeds"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the gateway.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxConnections   int           `yaml:"maxConnections"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	MessageQueueSize int           `yaml:"messageQueueSize"`
	CORSOrigin       string        `yaml:"corsOrigin"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
}

// LLMConfig configures the provider adapter.
type LLMConfig struct {
	Provider              string        `yaml:"provider"`
	APIKey                string        `yaml:"apiKey"`
	BaseURL               string        `yaml:"baseUrl"`
	Model                 string        `yaml:"model"`
	MaxTokens             int           `yaml:"maxTokens"`
	Temperature           float64       `yaml:"temperature"`
	Timeout               time.Duration `yaml:"timeout"`
	MaxRetries            int           `yaml:"maxRetries"`
	RetryDelay            time.Duration `yaml:"retryDelay"`
	FailureThreshold      int           `yaml:"failureThreshold"`
	ResetTimeout          time.Duration `yaml:"resetTimeout"`
	SystemPrompt          string        `yaml:"systemPrompt"`
	MaxSystemPromptLength int           `yaml:"maxSystemPromptLength"`
	MaxRounds             int           `yaml:"maxRounds"`
}

// SessionsConfig configures the session store.
type SessionsConfig struct {
	MaxHistory      int           `yaml:"maxHistory"`
	Timeout         time.Duration `yaml:"timeout"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// ToolsConfig configures the tool executor.
type ToolsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
}

// FeedsConfig configures the upstream market-data service.
type FeedsConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			MaxConnections:   1000,
			PingInterval:     30 * time.Second,
			MessageQueueSize: 1000,
			CORSOrigin:       "*",
			RequestTimeout:   60 * time.Second,
		},
		LLM: LLMConfig{
			Provider:              "anthropic",
			Model:                 "claude-sonnet-4-20250514",
			MaxTokens:             1024,
			Temperature:           0.7,
			Timeout:               30 * time.Second,
			MaxRetries:            3,
			RetryDelay:            time.Second,
			FailureThreshold:      5,
			ResetTimeout:          30 * time.Second,
			MaxSystemPromptLength: 16000,
			MaxRounds:             5,
		},
		Sessions: SessionsConfig{
			MaxHistory:      100,
			Timeout:         30 * time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
		Tools: ToolsConfig{
			Timeout:       10 * time.Second,
			MaxConcurrent: 5,
		},
		Feeds: FeedsConfig{
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration, returning a descriptive error for the
// first violation found.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 1-65535", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("invalid maxConnections %d: must be positive", c.Server.MaxConnections)
	}

	provider := strings.ToLower(c.LLM.Provider)
	if provider != "openai" && provider != "anthropic" {
		return fmt.Errorf("invalid llm provider %q: must be openai or anthropic", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm api key is required for provider %s", provider)
	}
	if c.LLM.MaxTokens < 100 || c.LLM.MaxTokens > 4096 {
		return fmt.Errorf("invalid llm maxTokens %d: must be 100-4096", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("invalid llm temperature %g: must be in [0,2]", c.LLM.Temperature)
	}
	if c.LLM.MaxSystemPromptLength <= 0 {
		return fmt.Errorf("invalid maxSystemPromptLength %d: must be positive", c.LLM.MaxSystemPromptLength)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q: must be json or text", c.Logging.Format)
	}

	return nil
}
