package acp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/internal/logger"
)

// SpawnAcpSessionInput describes a direct spawn request: create a fresh ACP
// session and optionally bind it to the originating channel thread.
type SpawnAcpSessionInput struct {
	Cfg        *config.Config
	Agent      string
	Mode       runtime.AcpRuntimeSessionMode
	Cwd        string
	BackendID  string
	Channel    string
	AccountID  string
	ThreadID   string
	SessionKey string // optional; generated when empty

	// InitialText, when set, runs the first turn immediately after the
	// session is created. Oneshot sessions auto-close when that turn ends.
	InitialText string
}

// SpawnAcpSessionResult reports what a spawn produced.
type SpawnAcpSessionResult struct {
	SessionKey string
	Handle     runtime.AcpRuntimeHandle
	Meta       *SessionAcpMeta
	Binding    *ThreadBindingRecord

	// TurnEvents is the event stream of the initial turn, nil when no
	// InitialText was given.
	TurnEvents <-chan runtime.AcpRuntimeEvent
}

// SpawnAcpDirect creates a new ACP session under a generated session key and
// binds the channel thread to it when one is given. A failed binding rolls
// the session back so no orphan runtime survives.
func (m *Manager) SpawnAcpDirect(ctx context.Context, input SpawnAcpSessionInput) (*SpawnAcpSessionResult, error) {
	cfg := input.Cfg
	if cfg == nil {
		cfg = m.cfg
	}
	log := logger.Component("acp.spawn")

	if !IsAcpEnabledByPolicy(cfg) {
		return nil, runtime.NewAcpRuntimeError(runtime.ErrCodePolicyDisabled,
			"ACP sessions are disabled by configuration", nil)
	}

	agent := normalizeAgentID(cfg, input.Agent)
	if err := ResolveAcpAgentPolicyError(cfg, agent); err != nil {
		return nil, err
	}

	var policy ThreadBindingPolicy
	bindThread := input.ThreadID != ""
	if bindThread {
		policy = ResolveThreadBindingSpawnPolicy(cfg, input.Channel, input.AccountID, "acp")
		if !policy.Enabled {
			return nil, runtime.NewAcpRuntimeError(runtime.ErrCodeThreadBindingDisabled,
				fmt.Sprintf("thread bindings are disabled for channel '%s'", input.Channel), nil)
		}
		if !policy.SpawnEnabled {
			return nil, runtime.NewAcpRuntimeError(runtime.ErrCodeThreadBindingDisabled,
				fmt.Sprintf("spawning ACP sessions is disabled for channel '%s'", input.Channel), nil)
		}
	}

	sessionKey := input.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:acp:%s", agent, uuid.NewString())
	}

	handle, meta, err := m.InitializeSession(ctx, InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: sessionKey,
		Agent:      agent,
		Mode:       input.Mode,
		Cwd:        input.Cwd,
		BackendID:  input.BackendID,
	})
	if err != nil {
		return nil, err
	}

	result := &SpawnAcpSessionResult{
		SessionKey: sessionKey,
		Handle:     *handle,
		Meta:       meta,
	}

	if bindThread {
		binder := GetGlobalThreadBinder()
		if binder == nil {
			m.rollbackSpawn(ctx, cfg, sessionKey)
			return nil, runtime.NewAcpRuntimeError(runtime.ErrCodeThreadBindingFailed,
				"no thread binding service is configured", nil)
		}

		binding, bindErr := binder.Bind(ThreadBindInput{
			Channel:    input.Channel,
			AccountID:  input.AccountID,
			ThreadID:   input.ThreadID,
			SessionKey: sessionKey,
			Kind:       "acp",
			MaxAgeMs:   policy.MaxAgeMs,
		})
		if bindErr != nil {
			m.rollbackSpawn(ctx, cfg, sessionKey)
			return nil, runtime.NewAcpRuntimeError(runtime.ErrCodeThreadBindingFailed,
				"could not bind thread to ACP session", bindErr)
		}
		result.Binding = binding
	}

	if input.InitialText != "" {
		turn, turnErr := m.RunTrackedTurn(ctx, RunTrackedTurnInput{
			Cfg:        cfg,
			SessionKey: sessionKey,
			Text:       input.InitialText,
		})
		if turnErr != nil {
			m.rollbackSpawn(ctx, cfg, sessionKey)
			return nil, turnErr
		}
		result.TurnEvents = turn.EventChan
	}

	log.Info("ACP session spawned",
		zap.String("session_key", sessionKey),
		zap.String("agent", agent),
		zap.String("channel", input.Channel),
		zap.Bool("thread_bound", result.Binding != nil))

	return result, nil
}

// rollbackSpawn tears down a freshly created session after a later spawn
// step failed.
func (m *Manager) rollbackSpawn(ctx context.Context, cfg *config.Config, sessionKey string) {
	if _, err := m.CloseSession(ctx, CloseSessionInput{
		Cfg:                        cfg,
		SessionKey:                 sessionKey,
		Reason:                     "spawn-rollback",
		ClearMeta:                  true,
		TolerateBackendUnavailable: true,
	}); err != nil {
		m.log.Warn("spawn rollback failed",
			zap.String("session_key", sessionKey),
			zap.Error(err))
	}
}
