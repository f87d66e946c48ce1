package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names recognized by ApplyEnv. Environment always
// takes precedence over file values.
const (
	EnvDatabaseURL            = "OUTFLOW_DATABASE_URL"
	EnvCacheURL               = "OUTFLOW_REDIS_URL"
	EnvNATSURL                = "OUTFLOW_NATS_URL"
	EnvPlannerEndpoint        = "OUTFLOW_PLANNER_ENDPOINT"
	EnvPlannerModel           = "OUTFLOW_PLANNER_MODEL"
	EnvPlannerAPIKey          = "OUTFLOW_PLANNER_API_KEY"
	EnvEmailAPIKey            = "OUTFLOW_EMAIL_API_KEY"
	EnvWhatsAppAPIKey         = "OUTFLOW_WHATSAPP_API_KEY"
	EnvSecret                 = "OUTFLOW_SECRET"
	EnvEnableTracing          = "OUTFLOW_ENABLE_TRACING"
	EnvDisableTimeCompression = "OUTFLOW_DISABLE_TIME_COMPRESSION"
)

// ApplyEnv overlays recognized environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvCacheURL); v != "" {
		c.Cache.URL = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvPlannerEndpoint); v != "" {
		c.Planner.Endpoint = v
	}
	if v := os.Getenv(EnvPlannerModel); v != "" {
		c.Planner.Model = v
	}
	if v := os.Getenv(EnvPlannerAPIKey); v != "" {
		c.Planner.APIKey = v
	}
	if v := os.Getenv(EnvEmailAPIKey); v != "" {
		c.Channels.EmailAPIKey = v
	}
	if v := os.Getenv(EnvWhatsAppAPIKey); v != "" {
		c.Channels.WhatsAppAPIKey = v
	}
	if v := os.Getenv(EnvSecret); v != "" {
		c.Secret = v
	}
	if v := os.Getenv(EnvEnableTracing); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Features.EnableTracing = b
		}
	}
	if v := os.Getenv(EnvDisableTimeCompression); v != "" {
		if b, err := strconv.ParseBool(v); err == nil && b {
			c.Features.TimeCompression = false
		}
	}
}

// Load reads configuration with layered precedence: defaults, then the
// file at path (if non-empty), then environment variables.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config.Merge(fileConfig)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Compress scales a duration when time compression is enabled. Calibrated
// ratios: 1 day -> 1 min, 1 hour -> 1 s, 1 min -> 1 s. Durations under a
// minute pass through unchanged.
func (f FeatureFlags) Compress(d time.Duration) time.Duration {
	if !f.TimeCompression {
		return d
	}
	switch {
	case d >= 24*time.Hour:
		return time.Duration(float64(d) / float64(24*time.Hour) * float64(time.Minute))
	case d >= time.Hour:
		return time.Duration(float64(d) / float64(time.Hour) * float64(time.Second))
	case d >= time.Minute:
		return time.Duration(float64(d) / float64(time.Minute) * float64(time.Second))
	default:
		return d
	}
}
