package config

// Config is the root configuration for the gateway.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace" json:"workspace" yaml:"workspace"`
	Log       LogConfig       `mapstructure:"log" json:"log" yaml:"log"`
	ACP       ACPConfig       `mapstructure:"acp" json:"acp" yaml:"acp"`
}

// WorkspaceConfig describes the gateway working area.
type WorkspaceConfig struct {
	// Path is the default working directory for spawned agent sessions.
	// Must be absolute when set.
	Path string `mapstructure:"path" json:"path" yaml:"path"`

	// DataDir holds persistent gateway state (session metadata records).
	DataDir string `mapstructure:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Development bool   `mapstructure:"development" json:"development" yaml:"development"`
}

// ACPConfig configures the ACP runtime bridge and session control plane.
type ACPConfig struct {
	// Enabled gates every ACP operation. Disabled means spawn requests are
	// rejected with a policy error.
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`

	// Backend selects the registered runtime backend. Empty selects the
	// first healthy backend (in practice "acpx").
	Backend string `mapstructure:"backend" json:"backend" yaml:"backend"`

	// Command is the external CLI executable the acpx backend drives.
	Command string `mapstructure:"command" json:"command" yaml:"command"`

	// InstallHint is shown in doctor reports when Command is missing.
	InstallHint string `mapstructure:"install_hint" json:"install_hint" yaml:"install_hint"`

	// DefaultAgent is used when a spawn request carries no agent id.
	DefaultAgent string `mapstructure:"default_agent" json:"default_agent" yaml:"default_agent"`

	// AllowedAgents restricts which agent ids may be spawned. Empty allows all.
	AllowedAgents []string `mapstructure:"allowed_agents" json:"allowed_agents" yaml:"allowed_agents"`

	// PermissionMode is passed to prompt invocations as --permission-mode.
	PermissionMode string `mapstructure:"permission_mode" json:"permission_mode" yaml:"permission_mode"`

	// PermissionProfile is the non-interactive permission policy.
	PermissionProfile string `mapstructure:"permission_profile" json:"permission_profile" yaml:"permission_profile"`

	// TimeoutSeconds is the optional backend-enforced per-turn timeout.
	// Zero omits the --timeout flag.
	TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`

	// QueueTTLSeconds is the queue-owner TTL passed to prompt invocations.
	QueueTTLSeconds int `mapstructure:"queue_ttl_seconds" json:"queue_ttl_seconds" yaml:"queue_ttl_seconds"`

	// IdleTimeoutMs controls idle eviction of cached runtime handles.
	IdleTimeoutMs int `mapstructure:"idle_timeout_ms" json:"idle_timeout_ms" yaml:"idle_timeout_ms"`

	// SweepIntervalMs controls how often the idle sweeper runs.
	SweepIntervalMs int `mapstructure:"sweep_interval_ms" json:"sweep_interval_ms" yaml:"sweep_interval_ms"`

	// MaxConcurrentSessions caps live ACP sessions. Zero means unlimited.
	MaxConcurrentSessions int `mapstructure:"max_concurrent_sessions" json:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`

	// ThreadBindings holds per-channel thread binding policy, keyed by
	// "<channel>:<account_id>".
	ThreadBindings map[string]ThreadBindingConfig `mapstructure:"thread_bindings" json:"thread_bindings,omitempty" yaml:"thread_bindings,omitempty"`
}

// ThreadBindingConfig is the per-channel thread binding policy.
type ThreadBindingConfig struct {
	Enabled       bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	SpawnEnabled  bool `mapstructure:"spawn_enabled" json:"spawn_enabled" yaml:"spawn_enabled"`
	IdleTimeoutMs int  `mapstructure:"idle_timeout_ms" json:"idle_timeout_ms" yaml:"idle_timeout_ms"`
	MaxAgeMs      int  `mapstructure:"max_age_ms" json:"max_age_ms" yaml:"max_age_ms"`
}
