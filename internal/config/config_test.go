package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Agent.MaxIterations != 15 {
		t.Errorf("expected default iteration cap 15, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Credits.Window != 30*24*time.Hour {
		t.Errorf("expected 30 day credit window, got %s", cfg.Credits.Window)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AGENT_MAX_ITERATIONS", "5")
	t.Setenv("SANDBOX_TTL", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("expected iteration cap 5, got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Sandbox.TTL != 10*time.Minute {
		t.Errorf("expected sandbox TTL 10m, got %s", cfg.Sandbox.TTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty port", func(c *Config) { c.Port = "" }, true},
		{"empty db path", func(c *Config) { c.DBPath = "" }, true},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }, true},
		{"bad preview port", func(c *Config) { c.Sandbox.PreviewPort = 70000 }, true},
		{"zero workers", func(c *Config) { c.Jobs.Workers = 0 }, true},
		{"zero allowance", func(c *Config) { c.Credits.Allowance = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
