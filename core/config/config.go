// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/codewandler/esbus/core/bus"
)

const (
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportMemory = "memory"
)

type Config struct {
	Transport string `env:"ESBUS_TRANSPORT" envDefault:"nats"`
	// URL is the broker connection URI. A root query parameter names the
	// routing root unless Root is set.
	URL  string `env:"ESBUS_URL" envDefault:"nats://127.0.0.1:4222"`
	Root string `env:"ESBUS_ROOT"`

	// StoreDSN is the sqlite database path of the event store. Empty keeps
	// events in memory.
	StoreDSN    string        `env:"ESBUS_STORE_DSN"`
	StopTimeout time.Duration `env:"ESBUS_STOP_TIMEOUT" envDefault:"10s"`
	// MetricsAddr serves /metrics when set.
	MetricsAddr string `env:"ESBUS_METRICS_ADDR"`

	Mgmt MgmtConfig `envPrefix:"ESBUS_MGMT_"`
}

type MgmtConfig struct {
	Addr     string `env:"ADDR"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates a Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportNATS, TransportRedis, TransportMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", bus.ErrInvalidConfig, c.Transport)
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("%w: stop timeout must be positive", bus.ErrInvalidConfig)
	}
	if c.Mgmt.Addr != "" && (c.Mgmt.User == "" || c.Mgmt.Password == "") {
		return fmt.Errorf("%w: management api needs user and password", bus.ErrInvalidConfig)
	}
	_, err := c.Endpoint()
	return err
}

// Endpoint returns the broker endpoint, with Root overriding any root
// carried by URL.
func (c Config) Endpoint() (bus.Endpoint, error) {
	return bus.ParseEndpoint(c.URL, c.Root)
}
