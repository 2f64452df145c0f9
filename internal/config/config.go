// Package config loads server configuration from environment variables,
// following the same caarlos0/env + godotenv pattern the rest of the
// reference stack uses for container-friendly configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr string `env:"ADDR" envDefault:":8000"`

	// KV store (spec.md §6 "Environment configuration")
	ChannelRedisURL string        `env:"CHANNEL_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	MessageRedisURL string        `env:"MESSAGE_REDIS_URL" envDefault:""`
	SessionTTL      time.Duration `env:"REDIS_SESSION_TTL" envDefault:"300s"`
	MaxMsgHistory   int           `env:"MAX_MESSAGE_HISTORY" envDefault:"1000"`

	// KV connection pool sizing, not named by the distilled spec but needed
	// to actually dial a store in production (see SPEC_FULL.md §3).
	RedisPoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"25"`
	RedisMinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"5"`
	RedisDialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	RedisCallTimeout  time.Duration `env:"REDIS_CALL_TIMEOUT" envDefault:"2s"`

	// Heartbeat / shutdown cadences
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10s"`

	// Broadcast coordinator. BroadcastQueueSize and BroadcastMaxBytes are
	// loaded but not read by any component: the per-connection queue depth is
	// hub's sendBufSize (64) and the message bound is broadcast's
	// maxMessageBytes (16 KiB).
	BroadcastDeadline   time.Duration `env:"BROADCAST_DEADLINE" envDefault:"5s"`
	BroadcastQueueSize  int           `env:"BROADCAST_QUEUE_SIZE" envDefault:"64"`
	BroadcastMaxBytes   int           `env:"BROADCAST_MAX_MESSAGE_BYTES" envDefault:"16384"`
	BroadcastDedupeSize int           `env:"BROADCAST_DEDUPE_LRU_SIZE" envDefault:"256"`

	// NATS channel layer (cross-instance broadcast fan-out)
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and environment
// variables. Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MessageRedisURL == "" {
		cfg.MessageRedisURL = cfg.ChannelRedisURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("REDIS_SESSION_TTL must be > 0, got %s", c.SessionTTL)
	}
	if c.MaxMsgHistory <= 0 {
		return fmt.Errorf("MAX_MESSAGE_HISTORY must be > 0, got %d", c.MaxMsgHistory)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be > 0, got %s", c.ShutdownTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %q)", c.LogFormat)
	}

	return nil
}

// LogFields logs the loaded configuration via structured logging.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("channel_redis_url", c.ChannelRedisURL).
		Str("message_redis_url", c.MessageRedisURL).
		Dur("session_ttl", c.SessionTTL).
		Int("max_message_history", c.MaxMsgHistory).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
