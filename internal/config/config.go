// Package config loads the explicit option set for the ingestion processes
// from a TOML file plus environment overrides.
//
// The file is datafeed.toml in the working directory (or the path named by
// DATAFEED_CONFIG). Every key can be overridden through the environment with
// the DATAFEED_ prefix and "__" as the separator, e.g.
// DATAFEED_FETCH__INTERVAL_SECONDS=30.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "DATAFEED"

// Config is the full option set shared by the fetcher and processor.
type Config struct {
	Fetch  FetchConfig  `mapstructure:"fetch"`
	Sweep  SweepConfig  `mapstructure:"sweep"`
	DB     DBConfig     `mapstructure:"db"`
	Log    LogConfig    `mapstructure:"log"`
	Health HealthConfig `mapstructure:"health"`
}

// FetchConfig controls the upstream polling loop.
type FetchConfig struct {
	URL              string `mapstructure:"url"`
	IntervalSeconds  int    `mapstructure:"interval_seconds"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	BackoffInitialMS int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS     int    `mapstructure:"backoff_max_ms"`
}

// SweepConfig controls the stranded-session sweeper.
type SweepConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	GraceMultiplier int `mapstructure:"grace_multiplier"`
}

// DBConfig controls the Postgres connection.
type DBConfig struct {
	URL                string `mapstructure:"url"`
	PoolMaxConnections int    `mapstructure:"pool_max_connections"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// HealthConfig controls the health endpoint listener.
type HealthConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads the config file (if present), applies environment overrides and
// defaults, and validates required keys. A missing datafeed.toml is fine as
// long as the environment supplies fetch.url and db.url; a malformed file, or
// a DATAFEED_CONFIG path that cannot be read, is fatal.
func Load() (*Config, error) {
	v := viper.New()

	// Required keys get an empty default so AutomaticEnv can populate them;
	// validation below rejects the empty value.
	v.SetDefault("fetch.url", "")
	v.SetDefault("db.url", "")
	v.SetDefault("fetch.interval_seconds", 15)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_ms", 30000)
	v.SetDefault("sweep.interval_seconds", 60)
	v.SetDefault("sweep.grace_multiplier", 3)
	v.SetDefault("db.pool_max_connections", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("health.addr", "127.0.0.1:3000")

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("datafeed")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Fetch.URL == "" {
		return nil, errors.New("fetch.url is required")
	}
	if cfg.DB.URL == "" {
		return nil, errors.New("db.url is required")
	}
	if cfg.Fetch.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("fetch.interval_seconds must be positive, got %d", cfg.Fetch.IntervalSeconds)
	}
	if cfg.Sweep.GraceMultiplier <= 0 {
		return nil, fmt.Errorf("sweep.grace_multiplier must be positive, got %d", cfg.Sweep.GraceMultiplier)
	}

	return &cfg, nil
}

// FetchInterval is the cadence of the polling loop.
func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.Fetch.IntervalSeconds) * time.Second
}

// FetchTimeout is the hard deadline on one upstream request.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay after a transient fetch failure.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Fetch.BackoffInitialMS) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Fetch.BackoffMaxMS) * time.Millisecond
}

// SweepInterval is the cadence of the sweeper task.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// SweepGrace is how long a session may go unseen before the sweeper closes
// it: grace_multiplier fetch intervals.
func (c *Config) SweepGrace() time.Duration {
	return time.Duration(c.Sweep.GraceMultiplier) * c.FetchInterval()
}
