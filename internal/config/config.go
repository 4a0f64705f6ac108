package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the pilot-swe service.
type Config struct {
	// Server settings
	Port int

	// GitHub App settings (primary credential of the ladder)
	GitHubAppID         string
	GitHubPrivateKey    string
	GitHubWebhookSecret string

	// Fallback credentials
	SecondaryToken string // retried on permission-class failures
	CheckoutToken  string // first credential of the native push path

	// Completion capability
	CompletionCommand string
	CompletionTimeout time.Duration

	// Trigger settings
	TriggerKeyword string
	BotLogin       string // this app's own bot identity

	// DryRun short-circuits all remote writes
	DryRun bool

	// Run history
	RunStorePath string

	// Safety policy (defaults, overridable via PILOT_POLICY_FILE)
	Policy Policy

	// Dispatcher settings
	DispatcherWorkers           int
	DispatcherQueueSize         int
	DispatcherMaxAttempts       int
	DispatcherRetryInitial      time.Duration
	DispatcherRetryMax          time.Duration
	DispatcherBackoffMultiplier float64
}

// Load loads configuration from environment variables and, when
// PILOT_POLICY_FILE is set, the YAML policy file.
func Load() (*Config, error) {
	cfg, err := build()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build() (*Config, error) {
	privateKey := normalizePrivateKey(os.Getenv("GITHUB_PRIVATE_KEY"))

	cfg := &Config{
		Port:                        getEnvInt("PORT", 8000),
		GitHubAppID:                 os.Getenv("GITHUB_APP_ID"),
		GitHubPrivateKey:            privateKey,
		GitHubWebhookSecret:         os.Getenv("GITHUB_WEBHOOK_SECRET"),
		SecondaryToken:              os.Getenv("PILOT_SECONDARY_TOKEN"),
		CheckoutToken:               os.Getenv("PILOT_CHECKOUT_TOKEN"),
		CompletionCommand:           getEnv("COMPLETION_COMMAND", "claude -p"),
		CompletionTimeout:           time.Duration(getEnvInt("COMPLETION_TIMEOUT_SECONDS", 300)) * time.Second,
		TriggerKeyword:              getEnv("TRIGGER_KEYWORD", "/pilot"),
		BotLogin:                    getEnv("PILOT_BOT_LOGIN", "pilot-swe[bot]"),
		DryRun:                      getEnvBool("PILOT_DRY_RUN", false),
		RunStorePath:                getEnv("PILOT_RUN_STORE", "pilot-runs.db"),
		DispatcherWorkers:           getEnvInt("DISPATCHER_WORKERS", 4),
		DispatcherQueueSize:         getEnvInt("DISPATCHER_QUEUE_SIZE", 16),
		DispatcherMaxAttempts:       getEnvInt("DISPATCHER_MAX_ATTEMPTS", 3),
		DispatcherRetryInitial:      time.Duration(getEnvInt("DISPATCHER_RETRY_SECONDS", 15)) * time.Second,
		DispatcherRetryMax:          time.Duration(getEnvInt("DISPATCHER_RETRY_MAX_SECONDS", 300)) * time.Second,
		DispatcherBackoffMultiplier: getEnvFloat("DISPATCHER_BACKOFF_MULTIPLIER", 2.0),
	}

	policy, err := LoadPolicy(os.Getenv("PILOT_POLICY_FILE"))
	if err != nil {
		return nil, err
	}
	cfg.Policy = *policy

	return cfg, nil
}

func normalizePrivateKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	if strings.HasPrefix(trimmed, "\"") && strings.HasSuffix(trimmed, "\"") {
		trimmed = strings.TrimPrefix(trimmed, "\"")
		trimmed = strings.TrimSuffix(trimmed, "\"")
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") {
		trimmed = strings.TrimPrefix(trimmed, "'")
		trimmed = strings.TrimSuffix(trimmed, "'")
	}

	trimmed = strings.ReplaceAll(trimmed, "\r\n", "\n")
	trimmed = strings.ReplaceAll(trimmed, "\r", "\n")
	if strings.Contains(trimmed, "\\n") {
		trimmed = strings.ReplaceAll(trimmed, "\\r", "")
		trimmed = strings.ReplaceAll(trimmed, "\\n", "\n")
	}

	return trimmed
}

// LoadForCLI loads configuration for one-shot command-line runs. App
// credentials and the webhook secret are optional there: a dry run needs
// neither, and the caller enforces credentials before any remote write.
func LoadForCLI() (*Config, error) {
	cfg, err := build()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.CompletionCommand) == "" {
		return nil, fmt.Errorf("COMPLETION_COMMAND is required")
	}
	cfg.applyDispatcherDefaults()
	return cfg, nil
}

// HasAppCredentials reports whether the App credential pair is configured.
func (c *Config) HasAppCredentials() bool {
	return c.GitHubAppID != "" && c.GitHubPrivateKey != ""
}

// validate checks that all required configuration is present.
func (c *Config) validate() error {
	if c.GitHubAppID == "" {
		return fmt.Errorf("GITHUB_APP_ID is required")
	}
	if c.GitHubPrivateKey == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY is required")
	}
	if c.GitHubWebhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(c.CompletionCommand) == "" {
		return fmt.Errorf("COMPLETION_COMMAND is required")
	}

	c.applyDispatcherDefaults()
	return c.validateDispatcherConfig()
}

func (c *Config) applyDispatcherDefaults() {
	if c.DispatcherWorkers <= 0 {
		c.DispatcherWorkers = 4
	}
	if c.DispatcherQueueSize <= 0 {
		c.DispatcherQueueSize = 16
	}
	if c.DispatcherMaxAttempts <= 0 {
		c.DispatcherMaxAttempts = 3
	}
	if c.DispatcherRetryInitial <= 0 {
		c.DispatcherRetryInitial = 15 * time.Second
	}
	if c.DispatcherRetryMax <= 0 {
		c.DispatcherRetryMax = 5 * time.Minute
	}
	if c.DispatcherBackoffMultiplier < 1 {
		c.DispatcherBackoffMultiplier = 2
	}
}

func (c *Config) validateDispatcherConfig() error {
	if c.DispatcherRetryMax < c.DispatcherRetryInitial {
		return fmt.Errorf("DISPATCHER_RETRY_MAX_SECONDS must be >= DISPATCHER_RETRY_SECONDS")
	}
	return nil
}

// getEnv gets environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets environment variable as int with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
