package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallnest/acpgate/acp"
	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
)

// RegisterAcpMethods wires the ACP control plane into a method registry.
func RegisterAcpMethods(registry *MethodRegistry, cfg *config.Config, acpManager *acp.Manager) {
	registry.Register("acp_spawn", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpSpawn(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_prompt", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpPrompt(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_status", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpStatus(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_set_mode", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpSetMode(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_set_config_option", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpSetConfigOption(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_set_options", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpSetOptions(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_cancel", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpCancel(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_close", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpClose(ctx, cfg, acpManager, params)
	})
	registry.Register("acp_list", func(ctx context.Context, params map[string]any) (any, error) {
		return handleAcpList(cfg, acpManager)
	})
}

func decodeParams(params map[string]any, target any) error {
	data, _ := json.Marshal(params)
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// AcpSpawnParams are parameters for acp_spawn.
type AcpSpawnParams struct {
	Agent     string `json:"agent,omitempty"`
	Cwd       string `json:"cwd"`
	Mode      string `json:"mode,omitempty"` // "persistent" or "oneshot"
	Channel   string `json:"channel,omitempty"`
	AccountID string `json:"account_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

func handleAcpSpawn(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpSpawnParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Cwd == "" {
		return nil, fmt.Errorf("cwd parameter is required")
	}

	mode := runtime.AcpSessionModePersistent
	switch p.Mode {
	case "", "persistent":
	case "oneshot":
		mode = runtime.AcpSessionModeOneshot
	default:
		return nil, fmt.Errorf("invalid mode: %s (must be 'persistent' or 'oneshot')", p.Mode)
	}

	result, err := acpManager.SpawnAcpDirect(ctx, acp.SpawnAcpSessionInput{
		Cfg:       cfg,
		Agent:     p.Agent,
		Mode:      mode,
		Cwd:       p.Cwd,
		Channel:   p.Channel,
		AccountID: p.AccountID,
		ThreadID:  p.ThreadID,
	})
	if err != nil {
		return nil, err
	}

	response := map[string]any{
		"session_key": result.SessionKey,
		"backend":     result.Handle.Backend,
		"cwd":         result.Handle.Cwd,
		"mode":        string(mode),
	}
	if result.Binding != nil {
		response["binding_id"] = result.Binding.ID
	}
	return response, nil
}

// AcpPromptParams are parameters for acp_prompt.
type AcpPromptParams struct {
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
	Mode       string `json:"mode,omitempty"` // "prompt" or "steer"
	RequestID  string `json:"request_id,omitempty"`
}

// handleAcpPrompt runs a full turn and returns the aggregated result. The
// dispatch surface is request/response, so streamed deltas are folded into
// one text blob; streaming consumers use the manager directly.
func handleAcpPrompt(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpPromptParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}
	if p.Text == "" {
		return nil, fmt.Errorf("text parameter is required")
	}

	mode := runtime.AcpPromptModePrompt
	if p.Mode == "steer" {
		mode = runtime.AcpPromptModeSteer
	}

	result, err := acpManager.RunTrackedTurn(ctx, acp.RunTrackedTurnInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Text:       p.Text,
		Mode:       mode,
		RequestID:  p.RequestID,
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	stopReason := ""
	var turnErr *runtime.AcpEventError
	for event := range result.EventChan {
		switch ev := event.(type) {
		case *runtime.AcpEventTextDelta:
			text.WriteString(ev.Text)
		case *runtime.AcpEventDone:
			stopReason = ev.StopReason
		case *runtime.AcpEventError:
			turnErr = ev
		}
	}

	if turnErr != nil {
		return map[string]any{
			"text":      text.String(),
			"error":     turnErr.Message,
			"code":      turnErr.Code,
			"retryable": turnErr.Retryable,
		}, nil
	}
	return map[string]any{
		"text":        text.String(),
		"stop_reason": stopReason,
	}, nil
}

// AcpStatusParams are parameters for acp_status.
type AcpStatusParams struct {
	SessionKey string `json:"session_key"`
}

func handleAcpStatus(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	status, err := acpManager.GetSessionStatus(ctx, acp.GetSessionStatusInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}

// AcpSetModeParams are parameters for acp_set_mode.
type AcpSetModeParams struct {
	SessionKey  string `json:"session_key"`
	RuntimeMode string `json:"runtime_mode"`
}

func handleAcpSetMode(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpSetModeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}
	if p.RuntimeMode == "" {
		return nil, fmt.Errorf("runtime_mode parameter is required")
	}

	options, err := acpManager.SetSessionRuntimeMode(ctx, acp.SetSessionRuntimeModeInput{
		Cfg:         cfg,
		SessionKey:  p.SessionKey,
		RuntimeMode: p.RuntimeMode,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runtime_options": options}, nil
}

// AcpSetConfigOptionParams are parameters for acp_set_config_option.
type AcpSetConfigOptionParams struct {
	SessionKey string `json:"session_key"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

func handleAcpSetConfigOption(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpSetConfigOptionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}
	if p.Key == "" {
		return nil, fmt.Errorf("key parameter is required")
	}

	options, err := acpManager.SetSessionConfigOption(ctx, acp.SetSessionConfigOptionInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Key:        p.Key,
		Value:      p.Value,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runtime_options": options}, nil
}

// AcpSetOptionsParams are parameters for acp_set_options.
type AcpSetOptionsParams struct {
	SessionKey string         `json:"session_key"`
	Patch      map[string]any `json:"patch"`
}

func handleAcpSetOptions(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpSetOptionsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}
	if len(p.Patch) == 0 {
		return nil, fmt.Errorf("patch parameter is required")
	}

	options, err := acpManager.SetSessionRuntimeOptions(ctx, acp.SetSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Patch:      p.Patch,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runtime_options": options}, nil
}

// AcpCancelParams are parameters for acp_cancel.
type AcpCancelParams struct {
	SessionKey string `json:"session_key"`
	Reason     string `json:"reason,omitempty"`
}

func handleAcpCancel(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpCancelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	if err := acpManager.CancelSession(ctx, acp.CancelSessionInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Reason:     p.Reason,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// AcpCloseParams are parameters for acp_close.
type AcpCloseParams struct {
	SessionKey        string `json:"session_key"`
	Reason            string `json:"reason,omitempty"`
	RequireAcpSession bool   `json:"require_acp_session,omitempty"`
	ClearMeta         bool   `json:"clear_meta,omitempty"`
}

func handleAcpClose(ctx context.Context, cfg *config.Config, acpManager *acp.Manager, params map[string]any) (any, error) {
	var p AcpCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	result, err := acpManager.CloseSession(ctx, acp.CloseSessionInput{
		Cfg:                        cfg,
		SessionKey:                 p.SessionKey,
		Reason:                     p.Reason,
		RequireAcpSession:          p.RequireAcpSession,
		ClearMeta:                  p.ClearMeta,
		TolerateBackendUnavailable: true,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"runtime_closed": result.RuntimeClosed,
		"runtime_notice": result.RuntimeNotice,
		"meta_cleared":   result.MetaCleared,
	}, nil
}

func handleAcpList(cfg *config.Config, acpManager *acp.Manager) (any, error) {
	snapshot := acpManager.GetObservabilitySnapshot()

	sessions := []map[string]any{}
	if store := acpManager.Store(); store != nil {
		records, err := store.ListSessionMeta(cfg)
		if err == nil {
			for _, record := range records {
				if record == nil || record.Acp == nil {
					continue
				}
				sessions = append(sessions, map[string]any{
					"session_key":      record.SessionKey,
					"backend":          record.Acp.Backend,
					"agent":            record.Acp.Agent,
					"mode":             string(record.Acp.Mode),
					"state":            record.Acp.State,
					"last_activity_at": record.Acp.LastActivityAt,
				})
			}
		}
	}

	return map[string]any{
		"sessions":       sessions,
		"runtime_cache":  snapshot.RuntimeCache,
		"entries":        snapshot.Entries,
		"turns":          snapshot.Turns,
		"errors_by_code": snapshot.ErrorsByCode,
	}, nil
}
