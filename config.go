// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

// Package gcoaptest holds the configuration shared by the gcoaptest
// commands. Values come from GCOAPTEST_-prefixed environment variables
// and may be overridden by command line flags.
package gcoaptest

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	gerrors "github.com/kb2ma/gcoap-test/pkg/errors"
)

// Config holds the application configuration.
type Config struct {
	// Network
	Host string `env:"HOST" envDefault:""`
	Port int    `env:"PORT" envDefault:"5683"`

	// Target is the default server address (host:port) for the run and
	// observe commands.
	Target string `env:"TARGET"`

	// Transmission parameters (RFC 7252 section 4.8)
	AckTimeout      time.Duration `env:"ACK_TIMEOUT"        envDefault:"2s"`
	AckRandomFactor float64       `env:"ACK_RANDOM_FACTOR"  envDefault:"1.5"`
	MaxRetransmit   int           `env:"MAX_RETRANSMIT"     envDefault:"4"`
	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT"   envDefault:"10s"`

	// Server
	Workers   int     `env:"WORKERS"    envDefault:"0"`
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`
	RateBurst int     `env:"RATE_BURST" envDefault:"1"`

	// Observability. A port of 0 disables the endpoint.
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`

	// Logging
	Verbosity int    `env:"VERBOSITY"  envDefault:"0"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// NewConfig loads the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("%w: %v", gerrors.ErrConfig, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", gerrors.ErrConfig, c.Port)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%w: unknown log format %q", gerrors.ErrConfig, c.LogFormat)
	}
	if c.AckRandomFactor < 1 {
		return fmt.Errorf("%w: ack random factor %v below 1", gerrors.ErrConfig, c.AckRandomFactor)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: negative rate limit", gerrors.ErrConfig)
	}
	return nil
}

// ListenAddress returns the host:port the serve and observe commands
// bind.
func (c Config) ListenAddress() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
