package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable for the sync engine. Values come from
// mailsync.yaml (if present) with MAILSYNC_* environment overrides.
type Config struct {
	HTTPAddr string `mapstructure:"http_addr"`
	DBPath   string `mapstructure:"db_path"`
	NATSURL  string `mapstructure:"nats_url"`

	// JWKSURL enables bearer-token auth on the trigger surface when set.
	JWKSURL string `mapstructure:"jwks_url"`
	// TokenServiceURL is the external service that holds OAuth grants.
	TokenServiceURL string `mapstructure:"token_service_url"`

	Sync  SyncConfig  `mapstructure:"sync"`
	Retry RetryConfig `mapstructure:"retry"`
	Diag  DiagConfig  `mapstructure:"diag"`
}

// SyncConfig bounds a single sync invocation.
type SyncConfig struct {
	PageSize          int           `mapstructure:"page_size"`
	MaxPagesPerRun    int           `mapstructure:"max_pages_per_run"`
	RunBudget         time.Duration `mapstructure:"run_budget"`
	ContinuationLimit int           `mapstructure:"continuation_limit"`
}

// RetryConfig controls backoff for transient provider errors.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// DiagConfig controls stall detection and the metrics cache.
type DiagConfig struct {
	StallThreshold time.Duration `mapstructure:"stall_threshold"`
	MetricsTTL     time.Duration `mapstructure:"metrics_ttl"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
}

// Load reads configuration from the given directory (or the working
// directory when empty) and the environment.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("mailsync")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("db_path", "data/mailsync.db")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")

	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.max_pages_per_run", 10)
	v.SetDefault("sync.run_budget", 45*time.Second)
	v.SetDefault("sync.continuation_limit", 100)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.max_delay", 2*time.Minute)

	v.SetDefault("diag.stall_threshold", 10*time.Minute)
	v.SetDefault("diag.metrics_ttl", 15*time.Second)
	v.SetDefault("diag.sweep_schedule", "0 * * * * *")
}
