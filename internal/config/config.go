// Package config provides configuration loading and validation for resolvd.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Environment variables (RESOLVD_* prefix)
//  2. Hardcoded defaults
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// DefaultRootServer is a.root-servers.net, the seed nameserver iterative
// resolution starts from when none is configured.
const DefaultRootServer = "198.41.0.4"

// initConfig sets up the config loader with defaults and env binding.
func initConfig() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RESOLVD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "INFO")
	v.SetDefault("root_server", DefaultRootServer)
	v.SetDefault("cache_size_hint", 0)
}

// Load loads configuration from the environment with defaults.
// This is the main entry point for loading configuration.
func Load() (*Config, error) {
	v := initConfig()

	cfg := &Config{
		LogLevel:      strings.ToUpper(v.GetString("log_level")),
		RootServer:    v.GetString("root_server"),
		CacheSizeHint: v.GetInt("cache_size_hint"),
	}

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.RootServer == "" {
		return errors.New("root_server must not be empty")
	}
	if cfg.CacheSizeHint < 0 {
		return errors.New("cache_size_hint must be >= 0")
	}
	return nil
}
