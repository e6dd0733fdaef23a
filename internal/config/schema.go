// Package config handles YAML configuration loading, environment variable
// expansion and overlay, and structural validation for smartfolders.
package config

import (
	"github.com/flemzord/smartfolders/internal/engine"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Relay holds the relay engine settings.
	Relay engine.Config `yaml:"relay"`

	// Events configures downstream event delivery.
	Events EventsConfig `yaml:"events"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "channel.telegram").
	Modules map[string]yaml.Node `yaml:"modules"`
}

// EventsConfig configures the NATS publisher. Events stay in-process when
// NATSURL is empty.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// Default returns a configuration with every relay default filled in. The
// version is left empty: files must declare it.
func Default() *Config {
	relay := engine.DefaultConfig()
	relay.DataDir = DefaultDataDir()
	return &Config{Relay: relay}
}
