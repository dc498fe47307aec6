package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// Record source.
	FHIRBaseURL        string `mapstructure:"FHIR_BASE_URL"`
	FHIRTimeoutSeconds int    `mapstructure:"FHIR_TIMEOUT_SECONDS"`
	FHIRRetryCount     int    `mapstructure:"FHIR_RETRY_COUNT"`
	FHIRBackoffMS      int    `mapstructure:"FHIR_BACKOFF_MS"`
	CacheTTLMinutes    int    `mapstructure:"BUNDLE_CACHE_TTL_MINUTES"`

	// Pipeline.
	LookbackHours int `mapstructure:"LOOKBACK_HOURS"`

	// Census crawl.
	CensusTarget         int      `mapstructure:"CENSUS_TARGET"`
	CensusMinAccept      int      `mapstructure:"CENSUS_MIN_ACCEPT"`
	CensusBatchSize      int      `mapstructure:"CENSUS_BATCH_SIZE"`
	CensusOverfetch      int      `mapstructure:"CENSUS_OVERFETCH_MULTIPLIER"`
	CensusPlaceholders   []string `mapstructure:"CENSUS_PLACEHOLDER_DIAGNOSES"`
	CensusStaleThreshold float64  `mapstructure:"CENSUS_STALE_THRESHOLD"`

	// API auth.
	APITokenSecret string `mapstructure:"API_TOKEN_SECRET"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FHIR_TIMEOUT_SECONDS", 15)
	v.SetDefault("FHIR_RETRY_COUNT", 3)
	v.SetDefault("FHIR_BACKOFF_MS", 500)
	v.SetDefault("BUNDLE_CACHE_TTL_MINUTES", 15)
	v.SetDefault("LOOKBACK_HOURS", 72)
	v.SetDefault("CENSUS_TARGET", 20)
	v.SetDefault("CENSUS_MIN_ACCEPT", 5)
	v.SetDefault("CENSUS_BATCH_SIZE", 5)
	v.SetDefault("CENSUS_OVERFETCH_MULTIPLIER", 3)
	v.SetDefault("CENSUS_PLACEHOLDER_DIAGNOSES", "Unknown")
	v.SetDefault("CENSUS_STALE_THRESHOLD", 0.5)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_TIMEOUT_SECONDS")
	v.BindEnv("FHIR_RETRY_COUNT")
	v.BindEnv("FHIR_BACKOFF_MS")
	v.BindEnv("BUNDLE_CACHE_TTL_MINUTES")
	v.BindEnv("LOOKBACK_HOURS")
	v.BindEnv("CENSUS_TARGET")
	v.BindEnv("CENSUS_MIN_ACCEPT")
	v.BindEnv("CENSUS_BATCH_SIZE")
	v.BindEnv("CENSUS_OVERFETCH_MULTIPLIER")
	v.BindEnv("CENSUS_PLACEHOLDER_DIAGNOSES")
	v.BindEnv("CENSUS_STALE_THRESHOLD")
	v.BindEnv("API_TOKEN_SECRET")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CensusPlaceholders == nil {
		raw := v.GetString("CENSUS_PLACEHOLDER_DIAGNOSES")
		if raw != "" {
			cfg.CensusPlaceholders = strings.Split(raw, ",")
		}
	}

	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FHIRTimeout returns the per-request timeout for source fetches.
func (c *Config) FHIRTimeout() time.Duration {
	return time.Duration(c.FHIRTimeoutSeconds) * time.Second
}

// FHIRBackoff returns the linear backoff step between fetch retries.
func (c *Config) FHIRBackoff() time.Duration {
	return time.Duration(c.FHIRBackoffMS) * time.Millisecond
}

// CacheTTL returns the bundle cache time-to-live.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. The warehouse is
// optional (the pipeline degrades to local-only sync results without it),
// but production requires both a database and an API token secret.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.APITokenSecret == "" {
			return fmt.Errorf("API_TOKEN_SECRET is required in production")
		}
	}
	if c.FHIRRetryCount < 1 {
		return fmt.Errorf("FHIR_RETRY_COUNT must be at least 1, got %d", c.FHIRRetryCount)
	}
	if c.CensusTarget < 1 {
		return fmt.Errorf("CENSUS_TARGET must be at least 1, got %d", c.CensusTarget)
	}
	if c.CensusOverfetch < 1 {
		return fmt.Errorf("CENSUS_OVERFETCH_MULTIPLIER must be at least 1, got %d", c.CensusOverfetch)
	}
	if c.CensusStaleThreshold < 0 || c.CensusStaleThreshold > 1 {
		return fmt.Errorf("CENSUS_STALE_THRESHOLD must be in [0,1], got %g", c.CensusStaleThreshold)
	}
	return nil
}
