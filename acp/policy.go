package acp

import (
	"fmt"

	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
)

// IsAcpEnabledByPolicy reports whether ACP sessions are allowed at all.
func IsAcpEnabledByPolicy(cfg *config.Config) bool {
	if cfg == nil {
		return false
	}
	return cfg.ACP.Enabled
}

// ResolveAcpAgentPolicyError checks the agent against the allow-list. An
// empty allow-list admits every agent.
func ResolveAcpAgentPolicyError(cfg *config.Config, agentID string) error {
	if cfg == nil {
		return nil
	}

	if len(cfg.ACP.AllowedAgents) == 0 {
		return nil
	}

	for _, allowed := range cfg.ACP.AllowedAgents {
		if allowed == agentID {
			return nil
		}
	}

	return runtime.NewAcpRuntimeError(
		runtime.ErrCodeAgentUnauthorized,
		fmt.Sprintf("agent '%s' is not authorized for ACP sessions", agentID),
		nil,
	)
}

// IsAcpAgentAuthorized is the boolean form of the agent policy check.
func IsAcpAgentAuthorized(cfg *config.Config, agentID string) bool {
	return ResolveAcpAgentPolicyError(cfg, agentID) == nil
}

// ResolveAcpDefaultAgent returns the configured default agent.
func ResolveAcpDefaultAgent(cfg *config.Config) string {
	if cfg == nil || cfg.ACP.DefaultAgent == "" {
		return "main"
	}
	return cfg.ACP.DefaultAgent
}

// ResolveAcpBackend picks the backend ID: an explicit request wins, then the
// configured backend, then empty for registry default selection.
func ResolveAcpBackend(cfg *config.Config, requestedBackend string) string {
	if requestedBackend != "" {
		return requestedBackend
	}
	if cfg != nil && cfg.ACP.Backend != "" {
		return cfg.ACP.Backend
	}
	return ""
}

// ResolveAcpMaxConcurrentSessions returns the session limit, 0 meaning
// unlimited.
func ResolveAcpMaxConcurrentSessions(cfg *config.Config) int {
	if cfg == nil || cfg.ACP.MaxConcurrentSessions <= 0 {
		return 0
	}
	return cfg.ACP.MaxConcurrentSessions
}

// ThreadBindingPolicy is the resolved binding policy for one channel thread.
type ThreadBindingPolicy struct {
	Channel       string
	AccountID     string
	Kind          string // "acp" or "subagent"
	Enabled       bool
	SpawnEnabled  bool
	IdleTimeoutMs int
	MaxAgeMs      int
}

// ResolveThreadBindingSpawnPolicy resolves whether a channel thread may
// spawn ACP sessions, with per-channel overrides keyed "<channel>:<account>".
func ResolveThreadBindingSpawnPolicy(cfg *config.Config, channel, accountID, kind string) ThreadBindingPolicy {
	policy := ThreadBindingPolicy{
		Channel:       channel,
		AccountID:     accountID,
		Kind:          kind,
		Enabled:       true,
		SpawnEnabled:  true,
		IdleTimeoutMs: 5 * 60 * 1000,
		MaxAgeMs:      60 * 60 * 1000,
	}

	if cfg == nil {
		return policy
	}

	bindingKey := fmt.Sprintf("%s:%s", channel, accountID)
	channelConfig, exists := cfg.ACP.ThreadBindings[bindingKey]
	if !exists {
		// Fall back to a channel-wide entry.
		channelConfig, exists = cfg.ACP.ThreadBindings[channel]
	}
	if exists {
		policy.Enabled = channelConfig.Enabled
		policy.SpawnEnabled = channelConfig.SpawnEnabled
		if channelConfig.IdleTimeoutMs > 0 {
			policy.IdleTimeoutMs = channelConfig.IdleTimeoutMs
		}
		if channelConfig.MaxAgeMs > 0 {
			policy.MaxAgeMs = channelConfig.MaxAgeMs
		}
	}

	return policy
}

// ResolveAcpIdleTimeoutMs returns the runtime cache idle timeout.
func ResolveAcpIdleTimeoutMs(cfg *config.Config) int {
	if cfg == nil || cfg.ACP.IdleTimeoutMs <= 0 {
		return 5 * 60 * 1000
	}
	return cfg.ACP.IdleTimeoutMs
}
