package app

import (
	"tokenbroker/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Debug forces debug logging regardless of the configured level.
	Debug bool

	// Silent discards all log output.
	Silent bool

	// ConfigPath is the config file to load and watch. Empty uses
	// ~/.config/tokenbroker/config.yaml.
	ConfigPath string

	// Broker, when set, is used as is instead of loading ConfigPath.
	Broker *config.Config
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, configPath string) *Config {
	return &Config{
		Debug:      debug,
		ConfigPath: configPath,
	}
}
