// Package config loads process configuration from the environment, adapted
// from the teacher's config.go.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all process configuration, populated from environment
// variables (with .env file support for local development).
type Config struct {
	Addr      string `env:"CHANMUX_ADDR" envDefault:":3002"`
	AdminAddr string `env:"CHANMUX_ADMIN_ADDR" envDefault:":9090"`
	NATSURL   string `env:"CHANMUX_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Dispatch selects the migration-completion notification transport:
	// "inprocess" or "nats".
	Dispatch string `env:"CHANMUX_DISPATCH" envDefault:"inprocess"`

	MaxChannelClients int `env:"CHANMUX_MAX_CHANNEL_CLIENTS" envDefault:"0"` // 0 = derive from cgroup memory limit
	MaxGoroutines     int `env:"CHANMUX_MAX_GOROUTINES" envDefault:"4000"`
	AdmitRatePerSec   int `env:"CHANMUX_ADMIT_RATE_PER_SEC" envDefault:"200"`

	CPURejectThreshold float64 `env:"CHANMUX_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	CapacityMonitorInterval time.Duration `env:"CHANMUX_CAPACITY_MONITOR_INTERVAL" envDefault:"15s"`

	AckWindowSize int `env:"CHANMUX_ACK_WINDOW_SIZE" envDefault:"0"` // 0 disables ack tracking

	LogLevel  string `env:"CHANMUX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHANMUX_LOG_FORMAT" envDefault:"json"`

	Environment string `env:"CHANMUX_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, applies defaults, and validates the result. Priority: env
// vars override .env file values, which override struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("config: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("config: loaded values from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally inconsistent or
// out-of-range values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHANMUX_ADDR is required")
	}
	if c.AdminAddr == "" {
		return fmt.Errorf("CHANMUX_ADMIN_ADDR is required")
	}
	if c.MaxGoroutines < 1 {
		return fmt.Errorf("CHANMUX_MAX_GOROUTINES must be > 0, got %d", c.MaxGoroutines)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CHANMUX_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validDispatch := map[string]bool{"inprocess": true, "nats": true}
	if !validDispatch[c.Dispatch] {
		return fmt.Errorf("CHANMUX_DISPATCH must be one of: inprocess, nats (got %q)", c.Dispatch)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("CHANMUX_LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("CHANMUX_LOG_FORMAT must be one of: json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// Log emits the loaded configuration as a single structured log entry.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("admin_addr", c.AdminAddr).
		Str("nats_url", c.NATSURL).
		Str("dispatch", c.Dispatch).
		Int("max_channel_clients", c.MaxChannelClients).
		Int("max_goroutines", c.MaxGoroutines).
		Int("admit_rate_per_sec", c.AdmitRatePerSec).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Dur("capacity_monitor_interval", c.CapacityMonitorInterval).
		Int("ack_window_size", c.AckWindowSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("config: loaded")
}
