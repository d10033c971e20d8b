// Package config provides configuration loading for resolvd using Viper.
// Configuration is loaded from environment variables with a fixed prefix
// and a small set of hardcoded defaults.
//
// Environment variables use the RESOLVD_ prefix:
//   - RESOLVD_LOG_LEVEL -> logging level (DEBUG, INFO, WARN, ERROR)
//   - RESOLVD_ROOT_SERVER -> root nameserver IP to seed iterative resolution from
//   - RESOLVD_CACHE_SIZE_HINT -> informational only; the cache stays unbounded
package config

// Config is the root configuration structure.
type Config struct {
	LogLevel      string `mapstructure:"log_level"`
	RootServer    string `mapstructure:"root_server"`
	CacheSizeHint int    `mapstructure:"cache_size_hint"`
}
