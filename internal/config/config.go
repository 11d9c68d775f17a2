// Package config reads tutor configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"

	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all application configuration.
type Config struct {
	StateBackend string
	StateTable   string
	SQLitePath   string

	// ParamPrefix is the SSM path holding API tokens and the model name.
	// When empty, keys and model come from the environment.
	ParamPrefix     string
	Provider        string
	Model           string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OpenAIBaseURL   string

	SessionTTL         time.Duration
	MaxSessionMessages int
	StuckThreshold     int
	MaxMessageLength   int
	ModerationEnabled  bool

	Port        string
	CORSOrigins []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		StateBackend:       strings.ToLower(getEnv("STATE_BACKEND", BackendDynamoDB)),
		StateTable:         getEnv("STATE_TABLE", ""),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/tutor.db"),
		ParamPrefix:        strings.TrimRight(strings.TrimSpace(getEnv("PARAM_PREFIX", "")), "/"),
		Provider:           strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		Model:              getEnv("LLM_MODEL", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
		SessionTTL:         time.Duration(getEnvInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		MaxSessionMessages: getEnvInt("MAX_SESSION_MESSAGES", 10),
		StuckThreshold:     getEnvInt("STUCK_THRESHOLD", 2),
		MaxMessageLength:   getEnvInt("MAX_MESSAGE_LENGTH", 1000),
		ModerationEnabled:  getEnvBool("MODERATION_ENABLED", false),
		Port:               getEnv("PORT", "8080"),
		CORSOrigins:        splitList(getEnv("CORS_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.StateBackend {
	case BackendDynamoDB:
		if c.StateTable == "" {
			return fmt.Errorf("STATE_TABLE is required for the dynamodb backend")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend)
	}

	switch c.Provider {
	case ProviderOpenAI:
		if c.ParamPrefix == "" && c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY or PARAM_PREFIX must be set")
		}
	case ProviderAnthropic:
		if c.ParamPrefix == "" && c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY or PARAM_PREFIX must be set")
		}
		if c.ModerationEnabled && c.ParamPrefix == "" && c.OpenAIAPIKey == "" {
			return fmt.Errorf("moderation requires OPENAI_API_KEY or PARAM_PREFIX")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.Provider)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL_MINUTES must be > 0")
	}
	if c.MaxSessionMessages <= 0 {
		return fmt.Errorf("MAX_SESSION_MESSAGES must be > 0")
	}
	if c.StuckThreshold <= 0 {
		return fmt.Errorf("STUCK_THRESHOLD must be > 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
