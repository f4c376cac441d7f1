// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	LLM     LLMConfig
	Sandbox SandboxConfig
	Agent   AgentConfig
	Jobs    JobsConfig
	Credits CreditsConfig
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// SandboxConfig holds sandbox runtime settings.
type SandboxConfig struct {
	Image       string
	Runtime     string // Docker runtime: "" = default (runc), "runsc" = gVisor
	PreviewPort int
	TTL         time.Duration
}

// AgentConfig bounds the coding agent loop.
type AgentConfig struct {
	MaxIterations int
}

// JobsConfig controls the background job runner.
type JobsConfig struct {
	Workers     int
	MaxAttempts int
}

// CreditsConfig controls the per-user credit ledger.
type CreditsConfig struct {
	Allowance int
	Window    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/vibe.db"),
		LLM: LLMConfig{
			BaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com"),
			APIKey:  getEnv("LLM_API_KEY", ""),
			Model:   getEnv("LLM_MODEL", "gpt-4.1"),
		},
		Sandbox: SandboxConfig{
			Image:       getEnv("SANDBOX_IMAGE", "vibe-sandbox:latest"),
			Runtime:     getEnv("SANDBOX_RUNTIME", ""),
			PreviewPort: getEnvInt("SANDBOX_PREVIEW_PORT", 3000),
			TTL:         getEnvDuration("SANDBOX_TTL", 30*time.Minute),
		},
		Agent: AgentConfig{
			MaxIterations: getEnvInt("AGENT_MAX_ITERATIONS", 15),
		},
		Jobs: JobsConfig{
			Workers:     getEnvInt("JOB_WORKERS", 4),
			MaxAttempts: getEnvInt("JOB_MAX_ATTEMPTS", 3),
		},
		Credits: CreditsConfig{
			Allowance: getEnvInt("CREDITS_ALLOWANCE", 5),
			Window:    getEnvDuration("CREDITS_WINDOW", 30*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("LLM_BASE_URL cannot be empty")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("SANDBOX_IMAGE cannot be empty")
	}
	if c.Sandbox.PreviewPort <= 0 || c.Sandbox.PreviewPort > 65535 {
		return fmt.Errorf("SANDBOX_PREVIEW_PORT must be a valid port")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("AGENT_MAX_ITERATIONS must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be > 0")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be > 0")
	}
	if c.Credits.Allowance <= 0 {
		return fmt.Errorf("CREDITS_ALLOWANCE must be > 0")
	}
	if c.Credits.Window <= 0 {
		return fmt.Errorf("CREDITS_WINDOW must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
