package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var globalConfig *Config

// Load reads configuration from the given file, or from the default search
// path (~/.acpgate, then the working directory) when path is empty.
// Environment variables with the ACPGATE_ prefix override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(home, ".acpgate"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ACPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file missing: defaults plus environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults seeds viper with the built-in defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("workspace.data_dir", defaultDataDir())

	v.SetDefault("acp.enabled", true)
	v.SetDefault("acp.backend", "acpx")
	v.SetDefault("acp.command", "acpx")
	v.SetDefault("acp.install_hint", "npm install -g @acpx/cli")
	v.SetDefault("acp.default_agent", "main")
	v.SetDefault("acp.permission_profile", "on-request")
	v.SetDefault("acp.queue_ttl_seconds", 300)
	v.SetDefault("acp.idle_timeout_ms", 5*60*1000)
	v.SetDefault("acp.sweep_interval_ms", 60*1000)
	v.SetDefault("acp.max_concurrent_sessions", 0)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".acpgate", "data")
}

// Get returns the last loaded global configuration.
func Get() *Config {
	return globalConfig
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".acpgate", "config.yaml")
}
