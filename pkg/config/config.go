// Package config loads the host configuration from KTCP_* environment
// variables.
package config

import (
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"ktcp/pkg/ipv4link"
	"ktcp/pkg/netbuf"
	"ktcp/pkg/tcp"
)

const Prefix = "KTCP"

type Config struct {
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogSource   bool   `envconfig:"LOG_SOURCE" default:"false"`
	LogRate     int    `envconfig:"LOG_RATE" default:"0" validate:"min=0"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:""`

	Buffers netbuf.Config   `envconfig:"BUFFERS"`
	Link    ipv4link.Config `envconfig:"LINK"`
	TCP     tcp.Config      `envconfig:"TCP"`
}

// FromEnv reads and validates the configuration. Unset variables take the
// defaults in the struct tags.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "config")
	}
	if err := c.TCP.Validate(); err != nil {
		return err
	}
	// Every segment the stack builds must fit in one packet buffer.
	if int(c.TCP.MSS)+60 > c.Buffers.PacketSize {
		return errors.Errorf("config: MSS %d does not fit packet size %d", c.TCP.MSS, c.Buffers.PacketSize)
	}
	return nil
}

func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	// Validate restricts LogLevel to names slog understands.
	_ = lvl.UnmarshalText([]byte(c.LogLevel))
	return lvl
}
