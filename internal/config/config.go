package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the simvault server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig tunes the snapshot/restore engine and the expiry sweep.
type EngineConfig struct {
	// ExpiryGrace is how long an expiring tenant is kept before the sweep
	// deletes its rows.
	ExpiryGrace time.Duration
	// SweepInterval is how often the background sweep looks for due tenants.
	SweepInterval time.Duration
	// DefaultTTL is applied when a provisioning request does not name one.
	DefaultTTL time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SIMVAULT_PORT", 8080),
			Env:  envString("SIMVAULT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			ExpiryGrace:   envDuration("SIMVAULT_EXPIRY_GRACE", time.Hour),
			SweepInterval: envDuration("SIMVAULT_SWEEP_INTERVAL", time.Minute),
			DefaultTTL:    envDuration("SIMVAULT_DEFAULT_TTL", 8*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Engine.ExpiryGrace < 0 {
		return fmt.Errorf("SIMVAULT_EXPIRY_GRACE must not be negative")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("SIMVAULT_SWEEP_INTERVAL must be positive")
	}
	if c.Engine.DefaultTTL <= 0 {
		return fmt.Errorf("SIMVAULT_DEFAULT_TTL must be positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
