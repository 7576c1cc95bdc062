// Package config loads service configuration from environment variables.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig `envPrefix:"DB_"`
	NATS     NATSConfig     `envPrefix:"NATS_"`
	Identity IdentityConfig `envPrefix:"IDENTITY_"`
}

// ServiceConfig identifies the running service instance.
type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"be-plt-approvals"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"PORT" envDefault:"8095"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig describes the Postgres connection.
type DatabaseConfig struct {
	Host        string        `env:"HOST" envDefault:"localhost"`
	Port        int           `env:"PORT" envDefault:"5432"`
	User        string        `env:"USER" envDefault:"postgres"`
	Password    string        `env:"PASSWORD" envDefault:"postgres"`
	Database    string        `env:"NAME" envDefault:"approvals"`
	SSLMode     string        `env:"SSLMODE" envDefault:"disable"`
	MaxConns    int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnTime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxIdleTime time.Duration `env:"MAX_CONN_IDLE" envDefault:"5m"`
	HealthCheck time.Duration `env:"HEALTHCHECK_PERIOD" envDefault:"1m"`
}

// NATSConfig describes the event bus connection. An empty URL disables
// event publishing.
type NATSConfig struct {
	URL string `env:"URL"`
}

// IdentityConfig describes the identity service used for user resolution.
type IdentityConfig struct {
	BaseURL string        `env:"URL" envDefault:"http://localhost:8081"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
