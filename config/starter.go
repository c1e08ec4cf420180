package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Workspace: WorkspaceConfig{
			DataDir: defaultDataDir(),
		},
		ACP: ACPConfig{
			Enabled:           true,
			Backend:           "acpx",
			Command:           "acpx",
			InstallHint:       "npm install -g @acpx/cli",
			DefaultAgent:      "main",
			PermissionProfile: "on-request",
			QueueTTLSeconds:   300,
			IdleTimeoutMs:     5 * 60 * 1000,
			SweepIntervalMs:   60 * 1000,
		},
	}
}

// WriteStarter writes a starter config file to path, refusing to overwrite
// an existing file.
func WriteStarter(path string) error {
	if path == "" {
		path = GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal starter config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
