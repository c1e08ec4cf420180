package acpx

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/smallnest/acpgate/acp/runtime"
)

// handleTokenPrefix versions the self-describing session token. Tokens are
// opaque to everyone but this package.
const handleTokenPrefix = "acpx:v1:"

// handleState is the payload embedded in a session token. It carries enough
// to resume a session without any server-side lookup.
type handleState struct {
	Name             string                        `json:"name"`
	Agent            string                        `json:"agent"`
	Cwd              string                        `json:"cwd"`
	Mode             runtime.AcpRuntimeSessionMode `json:"mode"`
	AcpxRecordId     string                        `json:"acpxRecordId,omitempty"`
	BackendSessionId string                        `json:"backendSessionId,omitempty"`
	AgentSessionId   string                        `json:"agentSessionId,omitempty"`
}

// encodeHandleToken serializes state into a versioned token. Encoding never
// fails for a valid state: the payload is compact JSON, base64url encoded
// without padding.
func encodeHandleToken(state handleState) string {
	payload, err := json.Marshal(state)
	if err != nil {
		// A struct of strings cannot fail to marshal; keep the token
		// well-formed regardless.
		payload = []byte("{}")
	}
	return handleTokenPrefix + base64.RawURLEncoding.EncodeToString(payload)
}

// decodeHandleToken is total: any malformed token (wrong prefix, bad base64,
// bad JSON, missing required fields) yields nil, never an error. Callers use
// nil as the signal to fall back to legacy interpretation.
func decodeHandleToken(token string) *handleState {
	if !strings.HasPrefix(token, handleTokenPrefix) {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, handleTokenPrefix))
	if err != nil {
		// Tolerate padded tokens from older encoders.
		payload, err = base64.URLEncoding.DecodeString(strings.TrimPrefix(token, handleTokenPrefix))
		if err != nil {
			return nil
		}
	}
	var state handleState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil
	}
	state.Name = strings.TrimSpace(state.Name)
	state.Agent = strings.TrimSpace(state.Agent)
	state.Cwd = strings.TrimSpace(state.Cwd)
	if state.Name == "" || state.Agent == "" || state.Cwd == "" {
		return nil
	}
	switch state.Mode {
	case runtime.AcpSessionModePersistent, runtime.AcpSessionModeOneshot:
	default:
		return nil
	}
	return &state
}

// agentFromSessionKey derives the agent ID from a legacy session key of the
// form "agent:<id>:<rest>". Returns "" when the key does not match.
func agentFromSessionKey(sessionKey string) string {
	if !strings.HasPrefix(sessionKey, "agent:") {
		return ""
	}
	rest := strings.TrimPrefix(sessionKey, "agent:")
	if idx := strings.Index(rest, ":"); idx > 0 {
		return rest[:idx]
	}
	return ""
}

// legacyHandleState reconstructs session state for a pre-token handle whose
// RuntimeSessionName is a raw session name. The agent comes from the session
// key when it follows the "agent:<id>:..." convention, otherwise from the
// configured default.
func legacyHandleState(handle runtime.AcpRuntimeHandle, defaultAgent string) handleState {
	agent := agentFromSessionKey(handle.SessionKey)
	if agent == "" {
		agent = defaultAgent
	}
	return handleState{
		Name:             handle.RuntimeSessionName,
		Agent:            agent,
		Cwd:              handle.Cwd,
		Mode:             runtime.AcpSessionModePersistent,
		AcpxRecordId:     handle.AcpxRecordId,
		BackendSessionId: handle.BackendSessionId,
		AgentSessionId:   handle.AgentSessionId,
	}
}
