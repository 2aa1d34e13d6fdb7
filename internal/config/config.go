// Package config assembles the runtime configuration of both binaries from
// defaults, an optional config file and command-line flags, in that order.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"Jitter-Bench/internal/core/logging"
	"Jitter-Bench/internal/core/network"
	"Jitter-Bench/internal/publisher"
	"Jitter-Bench/internal/subscriber"
)

type Metrics struct {
	// Addr serves /metrics and the status API when non-empty.
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Session    network.SessionConfig `mapstructure:"session"`
	Publisher  publisher.Config      `mapstructure:"publisher"`
	Subscriber subscriber.Config     `mapstructure:"subscriber"`
	Logger     logging.Config        `mapstructure:"logger"`
	Metrics    Metrics               `mapstructure:"metrics"`
}

func Default() Config {
	return Config{
		Session: network.SessionConfig{
			Mode:              network.ModePeer,
			MulticastScouting: true,
		},
		Publisher:  publisher.DefaultConfig(),
		Subscriber: subscriber.DefaultConfig(),
		Logger:     logging.DefaultConfig(),
	}
}

// Load reads path (yaml, json or toml, by extension) over the defaults.
// Keys missing from the file keep their default value. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
