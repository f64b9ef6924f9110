// Package config loads and validates the settings shared by coordkit
// binaries. Values come from an optional YAML file overridden by COORDKIT_*
// environment variables; every field carries a default so a bare environment
// boots against a local store.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/taskfleet/coordkit/v1/store"
)

// Config holds all runtime configuration, organized into logical groups.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis" validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Cron      CronConfig      `mapstructure:"cron"`
	HTTP      HTTPConfig      `mapstructure:"http" validate:"required"`
	Log       LogConfig       `mapstructure:"log" validate:"required"`
	Trace     TraceConfig     `mapstructure:"trace"`
}

// RedisConfig describes how to reach the coordination store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required,hostname_port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db" validate:"gte=0"`
	OpTimeout    time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	DialAttempts int           `mapstructure:"dial_attempts" validate:"gt=0"`
	DialBackoff  time.Duration `mapstructure:"dial_backoff" validate:"gt=0"`
}

// StoreConfig converts the group into the store package's dial config.
func (r RedisConfig) StoreConfig() store.Config {
	return store.Config{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		OpTimeout:    r.OpTimeout,
		DialAttempts: r.DialAttempts,
		DialBackoff:  r.DialBackoff,
	}
}

// RateLimitConfig sets the default request budget applied by the HTTP layer.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit" validate:"required,gt=0"`
	Window time.Duration `mapstructure:"window" validate:"required,gt=0"`
}

// CronConfig toggles the scheduled-job coordinator.
type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HTTPConfig contains the server settings.
type HTTPConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// TraceConfig toggles span export.
type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from ./coordd.yaml (when present) and the
// environment. Environment variables take precedence, named after the key
// path with dots replaced: redis.addr becomes COORDKIT_REDIS_ADDR.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path falls
// back to the default search; a non-empty path must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.op_timeout", "5s")
	v.SetDefault("redis.dial_attempts", 5)
	v.SetDefault("redis.dial_backoff", "100ms")
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("trace.enabled", false)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("coordd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// A missing default file is fine; a malformed one is not.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("COORDKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
