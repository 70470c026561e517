package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"fitbridge/pkg/logging"
)

const (
	userConfigDir  = ".config/fitbridge"
	configFileName = "config.yaml"
)

// GetDefaultConfigPath returns the per-user configuration directory.
func GetDefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(homeDir, userConfigDir), nil
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() Config {
	return Config{
		Providers: make(map[string]ProviderConfig),
		Callback: CallbackConfig{
			Port: 35535,
			Path: "/oauth/callback",
		},
		Auth: AuthConfig{
			RetryLimit:      2,
			CallbackTimeout: Duration(5 * time.Minute),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the given directory, layering
// defaults, then config.yaml, then FITBRIDGE_* environment overrides.
// A missing config.yaml is not an error.
func LoadConfig(configPath string) (Config, error) {
	config := GetDefaultConfig()

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	}

	if config.Providers == nil {
		config.Providers = make(map[string]ProviderConfig)
	}

	applyEnvOverrides(&config)

	return config, nil
}

// applyEnvOverrides layers FITBRIDGE_* environment variables over the
// loaded configuration, for container and CI use where a config file is
// awkward.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FITBRIDGE_PLATFORM_URL"); v != "" {
		config.Platform.URL = v
	}
	if v := os.Getenv("FITBRIDGE_CREDENTIALS_PATH"); v != "" {
		config.Credentials.Path = v
	}
	if v := os.Getenv("FITBRIDGE_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("FITBRIDGE_CALLBACK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			logging.Warn("ConfigLoader", "Ignoring invalid FITBRIDGE_CALLBACK_PORT %q: %v", v, err)
		} else {
			config.Callback.Port = port
		}
	}
	if v := os.Getenv("FITBRIDGE_RETRY_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			logging.Warn("ConfigLoader", "Ignoring invalid FITBRIDGE_RETRY_LIMIT %q: %v", v, err)
		} else {
			config.Auth.RetryLimit = limit
		}
	}
}

// Validate checks the pieces the serve path cannot run without.
func (c Config) Validate() error {
	if c.Platform.URL == "" {
		return errors.New("platform.url is required (set it in config.yaml or FITBRIDGE_PLATFORM_URL)")
	}
	for name, provider := range c.Providers {
		if provider.AuthorizeURL == "" || provider.TokenURL == "" {
			return fmt.Errorf("provider %q is missing authorizeUrl or tokenUrl", name)
		}
		if provider.ClientID == "" {
			return fmt.Errorf("provider %q is missing clientId", name)
		}
	}
	return nil
}
