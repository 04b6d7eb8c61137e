package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"tokenbroker/pkg/logging"
)

const (
	userConfigDir  = ".config/tokenbroker"
	userStateDir   = ".local/state/tokenbroker"
	configFileName = "config.yaml"
)

// Environment variables that override secrets from the file.
const (
	EnvProviderClientSecret = "TOKENBROKER_PROVIDER_CLIENT_SECRET"
	EnvEncryptionKey        = "TOKENBROKER_ENCRYPTION_KEY"
	EnvStateKey             = "TOKENBROKER_STATE_KEY"
	EnvRedisPassword        = "TOKENBROKER_REDIS_PASSWORD"
)

// osUserHomeDir is swapped in tests.
var osUserHomeDir = os.UserHomeDir

// GetDefaultConfigPath returns ~/.config/tokenbroker/config.yaml.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

// LoadConfig loads configuration from configFilePath on top of the defaults,
// applies environment overrides and validates the result. A missing file is
// not an error.
func LoadConfig(configFilePath string) (Config, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, NewConfigurationErrorWithDetails(configFilePath, ErrorTypeParse,
				"malformed YAML", err.Error(), []string{"Check indentation and that durations are quoted strings such as \"30s\""})
		}
		logging.Info("Config", "Loaded configuration from %s", configFilePath)
	case errors.Is(err, os.ErrNotExist):
		logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
	default:
		return Config{}, NewConfigurationError(configFilePath, ErrorTypeIO, err.Error())
	}

	applyEnv(&config, os.Getenv)
	if err := config.resolvePaths(); err != nil {
		return Config{}, NewConfigurationError(configFilePath, ErrorTypeIO, err.Error())
	}

	if errs := config.Validate(); errs.HasErrors() {
		return Config{}, NewConfigurationErrorWithDetails(configFilePath, ErrorTypeValidation,
			fmt.Sprintf("%d invalid setting(s)", len(errs)), errs.Error(), nil)
	}
	return config, nil
}

// applyEnv overrides secrets from the environment.
func applyEnv(c *Config, getenv func(string) string) {
	if v := getenv(EnvProviderClientSecret); v != "" {
		c.Provider.ClientSecret = v
	}
	if v := getenv(EnvEncryptionKey); v != "" {
		c.Storage.EncryptionKey = v
	}
	if v := getenv(EnvStateKey); v != "" {
		c.OAuth.StateKey = v
	}
	if v := getenv(EnvRedisPassword); v != "" {
		c.Storage.Redis.Password = v
	}
}

// resolvePaths expands ~ and fills in the default token file location.
func (c *Config) resolvePaths() error {
	if c.Storage.Type != StorageTypeFile {
		return nil
	}

	path := c.Storage.File.Path
	if path == "" || strings.HasPrefix(path, "~/") {
		home, err := osUserHomeDir()
		if err != nil {
			return fmt.Errorf("could not determine home directory for token file: %w", err)
		}
		if path == "" {
			path = filepath.Join(home, userStateDir, DefaultFileName)
		} else {
			path = filepath.Join(home, path[2:])
		}
	}
	c.Storage.File.Path = path
	return nil
}

// BaseURL returns the externally visible URL of the server.
func (c Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	return "http://" + c.Address()
}

// Address returns host:port for the listener.
func (c Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
