package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Workspace.DataDir = "/tmp/acpgate-test"
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, NewValidator(false).Validate(validConfig()))
	assert.NoError(t, NewValidator(true).Validate(validConfig()))
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		strict bool
	}{
		{"relative workspace path", func(c *Config) { c.Workspace.Path = "relative/dir" }, false},
		{"missing data dir", func(c *Config) { c.Workspace.DataDir = "" }, false},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }, false},
		{"missing command", func(c *Config) { c.ACP.Command = "" }, false},
		{"negative timeout", func(c *Config) { c.ACP.TimeoutSeconds = -1 }, false},
		{"timeout over one day", func(c *Config) { c.ACP.TimeoutSeconds = 86401 }, false},
		{"negative queue ttl", func(c *Config) { c.ACP.QueueTTLSeconds = -1 }, false},
		{"negative session limit", func(c *Config) { c.ACP.MaxConcurrentSessions = -1 }, false},
		{"strict requires default agent", func(c *Config) { c.ACP.DefaultAgent = "" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, NewValidator(tc.strict).Validate(cfg))
		})
	}

	assert.Error(t, NewValidator(false).Validate(nil))
}

func TestValidateSkipsAcpChecksWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.ACP.Enabled = false
	cfg.ACP.Command = ""
	require.NoError(t, NewValidator(false).Validate(cfg))
}
