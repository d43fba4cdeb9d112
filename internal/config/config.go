package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// replay frames that must fit in a session's outbound buffer on top of history
const sendHeadroom = 16

// Config holds all configuration for the chat server.
type Config struct {
	Port string `env:"PORT" envDefault:"3000"`
	Env  string `env:"ENV" envDefault:"development"`

	// Storage
	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"chat.db"`

	// Gateway
	JWTSecret string `env:"JWT_SECRET"`
	DevTokens bool   `env:"DEV_TOKENS" envDefault:"false"`

	// Rooms
	HistoryLimit   int  `env:"HISTORY_LIMIT" envDefault:"100"`
	SendBuffer     int  `env:"SEND_BUFFER" envDefault:"256"`
	RecordPresence bool `env:"RECORD_PRESENCE" envDefault:"false"`

	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field combinations and normalizes the send buffer.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.HistoryLimit < 1 {
		return errors.New("HISTORY_LIMIT must be at least 1")
	}
	if !c.IsDevelopment() && c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required outside development")
	}
	if !c.IsDevelopment() && c.DevTokens {
		return errors.New("DEV_TOKENS is only allowed in development")
	}
	if c.SendBuffer < c.HistoryLimit+sendHeadroom {
		c.SendBuffer = c.HistoryLimit + sendHeadroom
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
