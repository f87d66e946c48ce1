package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Cache.ExecutionTTL != 5*time.Minute {
		t.Errorf("expected default execution TTL 5m, got %v", cfg.Cache.ExecutionTTL)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
	if cfg.Planner.Temperature != 0.2 {
		t.Errorf("expected default temperature 0.2, got %f", cfg.Planner.Temperature)
	}
	if cfg.Features.TimeCompression {
		t.Error("time compression must be off by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing database url",
			modify:  func(c *Config) { c.Database.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing nats url",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing planner model",
			modify:  func(c *Config) { c.Planner.Model = "" },
			wantErr: true,
		},
		{
			name:    "temperature too high",
			modify:  func(c *Config) { c.Planner.Temperature = 1.1 },
			wantErr: true,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Consumers.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "quiet hour out of range",
			modify:  func(c *Config) { c.Policy.QuietStartHour = 24 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	t.Setenv("TEST_PLANNER_KEY", "sk-test-123")

	content := `
database:
  url: "postgres://test:test@db:5432/outflow"
planner:
  endpoint: "http://planner:8000/v1"
  model: "test-model"
  api_key: "${TEST_PLANNER_KEY}"
  timeout: 90s
cache:
  execution_ttl: 2m
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Database.URL != "postgres://test:test@db:5432/outflow" {
		t.Errorf("unexpected database URL: %s", cfg.Database.URL)
	}
	if cfg.Planner.APIKey != "sk-test-123" {
		t.Errorf("expected expanded API key, got %s", cfg.Planner.APIKey)
	}
	if cfg.Planner.Timeout != 90*time.Second {
		t.Errorf("expected timeout 90s, got %v", cfg.Planner.Timeout)
	}
	if cfg.Cache.ExecutionTTL != 2*time.Minute {
		t.Errorf("expected execution TTL 2m, got %v", cfg.Cache.ExecutionTTL)
	}
	// Unset fields keep defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestApplyEnvPrecedence(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "postgres://env-wins@db/outflow")
	t.Setenv(EnvPlannerModel, "env-model")
	t.Setenv(EnvEnableTracing, "true")

	cfg := DefaultConfig()
	cfg.Planner.Model = "file-model"
	cfg.ApplyEnv()

	if cfg.Database.URL != "postgres://env-wins@db/outflow" {
		t.Errorf("expected env database URL, got %s", cfg.Database.URL)
	}
	if cfg.Planner.Model != "env-model" {
		t.Errorf("expected env model, got %s", cfg.Planner.Model)
	}
	if !cfg.Features.EnableTracing {
		t.Error("expected tracing enabled from env")
	}
}

func TestDisableTimeCompressionEnv(t *testing.T) {
	t.Setenv(EnvDisableTimeCompression, "1")

	cfg := DefaultConfig()
	cfg.Features.TimeCompression = true
	cfg.ApplyEnv()

	if cfg.Features.TimeCompression {
		t.Error("expected time compression forced off by env")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Planner: PlannerConfig{Model: "override-model"},
		Cache:   CacheConfig{URL: "redis://other:6379/1"},
	}

	base.Merge(override)

	if base.Planner.Model != "override-model" {
		t.Errorf("expected override model, got %s", base.Planner.Model)
	}
	// Endpoint remains from base since override didn't set it.
	if base.Planner.Endpoint != "http://localhost:11434/v1" {
		t.Errorf("expected endpoint to remain default, got %s", base.Planner.Endpoint)
	}
	if base.Cache.URL != "redis://other:6379/1" {
		t.Errorf("expected override cache URL, got %s", base.Cache.URL)
	}
}

func TestCompress(t *testing.T) {
	off := FeatureFlags{}
	if got := off.Compress(24 * time.Hour); got != 24*time.Hour {
		t.Errorf("compression off: expected passthrough, got %v", got)
	}

	on := FeatureFlags{TimeCompression: true}
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{24 * time.Hour, time.Minute},
		{48 * time.Hour, 2 * time.Minute},
		{time.Hour, time.Second},
		{time.Minute, time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := on.Compress(tt.in); got != tt.want {
			t.Errorf("Compress(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
