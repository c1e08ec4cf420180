package config

import (
	"fmt"
	"path/filepath"

	"github.com/smallnest/acpgate/errors"
)

// Validator provides configuration validation
type Validator struct {
	strictMode bool
}

// NewValidator creates a new configuration validator
func NewValidator(strict bool) *Validator {
	return &Validator{strictMode: strict}
}

// Validate performs configuration validation in dependency order.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.InvalidConfig("configuration cannot be nil")
	}

	validators := []func(*Config) error{
		v.validateWorkspace,
		v.validateLog,
		v.validateACP,
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateWorkspace(cfg *Config) error {
	if cfg.Workspace.Path != "" && !filepath.IsAbs(cfg.Workspace.Path) {
		return errors.InvalidConfig("workspace path must be absolute")
	}
	if cfg.Workspace.DataDir == "" {
		return errors.InvalidConfig("workspace data_dir is required")
	}
	return nil
}

func (v *Validator) validateLog(cfg *Config) error {
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
		return nil
	default:
		return errors.InvalidConfig(fmt.Sprintf("unknown log level: %s", cfg.Log.Level))
	}
}

func (v *Validator) validateACP(cfg *Config) error {
	if !cfg.ACP.Enabled {
		return nil
	}

	if cfg.ACP.Command == "" {
		return errors.InvalidConfig("acp.command is required when acp is enabled")
	}
	if cfg.ACP.TimeoutSeconds < 0 {
		return errors.InvalidConfig("acp.timeout_seconds must not be negative")
	}
	if cfg.ACP.TimeoutSeconds > 86400 {
		return errors.InvalidConfig("acp.timeout_seconds must not exceed one day")
	}
	if cfg.ACP.QueueTTLSeconds < 0 {
		return errors.InvalidConfig("acp.queue_ttl_seconds must not be negative")
	}
	if cfg.ACP.MaxConcurrentSessions < 0 {
		return errors.InvalidConfig("acp.max_concurrent_sessions must not be negative")
	}
	if v.strictMode && cfg.ACP.DefaultAgent == "" {
		return errors.InvalidConfig("acp.default_agent is required in strict mode")
	}
	return nil
}
