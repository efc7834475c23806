// Package config defines process configuration for the exchange core.
// Config is loaded from a YAML file with env var overrides, the same
// viper shape 0xtitan6-polymarket-mm's internal/config/config.go uses:
// viper.New + SetConfigFile + SetEnvPrefix/AutomaticEnv, then Unmarshal
// into a mapstructure-tagged struct, with a handful of sensitive fields
// (here: the DB DSN and the webhook URL) re-applied from env after
// Unmarshal so they can be injected without touching the YAML file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Lock        LockConfig        `mapstructure:"lock"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LockConfig tunes the per-market lock of internal/concurrency.
type LockConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig tunes internal/maintenance's periodic cache sweep.
type MaintenanceConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WebhookConfig enables the optional events.WebhookSubscriber.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file at path, applying EXCH_* env var
// overrides (EXCH_DATABASE_DSN, EXCH_WEBHOOK_URL, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("lock.timeout", 5*time.Second)
	v.SetDefault("maintenance.sweep_interval", 5*time.Minute)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dsn := os.Getenv("EXCH_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := os.Getenv("EXCH_WEBHOOK_URL"); url != "" {
		cfg.Webhook.URL = url
		cfg.Webhook.Enabled = true
	}

	return &cfg, nil
}

// Validate checks required fields before the process wires anything up.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or set EXCH_DATABASE_DSN)")
	}
	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be > 0")
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required when webhook.enabled is true")
	}
	return nil
}
