// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime configuration for the twinhub daemon.
type Config struct {
	// Host defaults to localhost; set TWINHUB_HOST=0.0.0.0 for LAN access.
	Host string `env:"TWINHUB_HOST" envDefault:"127.0.0.1"`
	Port string `env:"TWINHUB_PORT" envDefault:"8090"`

	// BackendURLs is the ordered fallback list for the twin backend API.
	BackendURLs []string `env:"TWINHUB_BACKEND_URLS" envSeparator:"," envDefault:"http://localhost:3001/api"`

	// DBPath is the sqlite file holding the credential store.
	DBPath string `env:"TWINHUB_DB" envDefault:"twinhub.db"`

	// ReconcileDelay bounds the race between a redirect return and the
	// backend finalizing its token exchange. Not a correctness guarantee.
	ReconcileDelay time.Duration `env:"TWINHUB_RECONCILE_DELAY" envDefault:"1500ms"`

	// ProgressPollInterval is the cadence for generation progress polling.
	ProgressPollInterval time.Duration `env:"TWINHUB_PROGRESS_POLL_INTERVAL" envDefault:"2s"`

	// RequestTimeout applies to individual backend calls.
	RequestTimeout time.Duration `env:"TWINHUB_REQUEST_TIMEOUT" envDefault:"30s"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// LocalOrigin returns the daemon's own origin, used to validate
// cross-context completion messages.
func (c Config) LocalOrigin() string {
	host := c.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	return "http://" + host + ":" + c.Port
}
