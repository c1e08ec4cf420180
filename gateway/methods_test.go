package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/acpgate/acp"
	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/errors"
)

func TestMethodRegistryDispatch(t *testing.T) {
	registry := NewMethodRegistry()

	registry.Register("ping", func(ctx context.Context, params map[string]any) (any, error) {
		return "pong", nil
	})
	registry.Register("fail", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	result, err := registry.Dispatch(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	_, err = registry.Dispatch(context.Background(), "fail", nil)
	assert.EqualError(t, err, "boom")

	_, err = registry.Dispatch(context.Background(), "ghost", nil)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))

	assert.Equal(t, []string{"fail", "ping"}, registry.Methods())
}

func TestMethodRegistryReplacesHandler(t *testing.T) {
	registry := NewMethodRegistry()
	registry.Register("m", func(ctx context.Context, params map[string]any) (any, error) {
		return 1, nil
	})
	registry.Register("m", func(ctx context.Context, params map[string]any) (any, error) {
		return 2, nil
	})

	result, err := registry.Dispatch(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result)
}

// gatewayFakeRuntime is a minimal backend for dispatch-level tests.
type gatewayFakeRuntime struct{}

func (gatewayFakeRuntime) EnsureSession(ctx context.Context, input runtime.AcpRuntimeEnsureInput) (runtime.AcpRuntimeHandle, error) {
	return runtime.AcpRuntimeHandle{
		SessionKey:         input.SessionKey,
		Backend:            "fake",
		RuntimeSessionName: "fake-" + input.SessionKey,
		Cwd:                input.Cwd,
	}, nil
}

func (gatewayFakeRuntime) RunTurn(ctx context.Context, input runtime.AcpRuntimeTurnInput) (<-chan runtime.AcpRuntimeEvent, error) {
	events := make(chan runtime.AcpRuntimeEvent, 4)
	events <- &runtime.AcpEventTextDelta{Text: "hello ", Stream: "output"}
	events <- &runtime.AcpEventTextDelta{Text: "world", Stream: "output"}
	events <- &runtime.AcpEventDone{StopReason: "end_turn"}
	close(events)
	return events, nil
}

func (gatewayFakeRuntime) GetCapabilities(ctx context.Context, handle *runtime.AcpRuntimeHandle) (runtime.AcpRuntimeCapabilities, error) {
	return runtime.AcpRuntimeCapabilities{}, nil
}

func (gatewayFakeRuntime) GetStatus(ctx context.Context, handle runtime.AcpRuntimeHandle) (*runtime.AcpRuntimeStatus, error) {
	return nil, nil
}

func (gatewayFakeRuntime) SetMode(ctx context.Context, handle runtime.AcpRuntimeHandle, mode string) error {
	return nil
}

func (gatewayFakeRuntime) SetConfigOption(ctx context.Context, handle runtime.AcpRuntimeHandle, key, value string) error {
	return nil
}

func (gatewayFakeRuntime) Doctor(ctx context.Context) (runtime.AcpRuntimeDoctorReport, error) {
	return runtime.AcpRuntimeDoctorReport{Ok: true}, nil
}

func (gatewayFakeRuntime) Cancel(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	return nil
}

func (gatewayFakeRuntime) Close(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	return nil
}

func newAcpMethodRegistry(t *testing.T) (*MethodRegistry, *config.Config) {
	t.Helper()

	require.NoError(t, runtime.RegisterAcpRuntimeBackend(runtime.AcpRuntimeBackend{
		ID:      "fake",
		Runtime: gatewayFakeRuntime{},
	}))
	t.Cleanup(func() { runtime.UnregisterAcpRuntimeBackend("fake") })

	cfg := &config.Config{}
	cfg.ACP.Enabled = true
	cfg.ACP.Backend = "fake"

	manager := acp.NewManagerWithStore(cfg, acp.NewMemorySessionMetaStore())
	registry := NewMethodRegistry()
	RegisterAcpMethods(registry, cfg, manager)
	return registry, cfg
}

func dispatchMap(t *testing.T, registry *MethodRegistry, method string, params map[string]any) map[string]any {
	t.Helper()
	result, err := registry.Dispatch(context.Background(), method, params)
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok, "expected map result from %s", method)
	return m
}

func TestAcpMethodsLifecycle(t *testing.T) {
	registry, _ := newAcpMethodRegistry(t)

	spawned := dispatchMap(t, registry, "acp_spawn", map[string]any{"cwd": "/work"})
	sessionKey, _ := spawned["session_key"].(string)
	require.NotEmpty(t, sessionKey)
	assert.Equal(t, "fake", spawned["backend"])
	assert.Equal(t, "persistent", spawned["mode"])

	prompted := dispatchMap(t, registry, "acp_prompt", map[string]any{
		"session_key": sessionKey,
		"text":        "say hello",
	})
	assert.Equal(t, "hello world", prompted["text"])
	assert.Equal(t, "end_turn", prompted["stop_reason"])

	status, err := registry.Dispatch(context.Background(), "acp_status", map[string]any{
		"session_key": sessionKey,
	})
	require.NoError(t, err)
	sessionStatus, ok := status.(*acp.AcpSessionStatus)
	require.True(t, ok)
	assert.Equal(t, "idle", sessionStatus.State)

	modeResult := dispatchMap(t, registry, "acp_set_mode", map[string]any{
		"session_key":  sessionKey,
		"runtime_mode": "plan",
	})
	assert.NotNil(t, modeResult["runtime_options"])

	optionsResult := dispatchMap(t, registry, "acp_set_options", map[string]any{
		"session_key": sessionKey,
		"patch":       map[string]any{"model": "sonnet"},
	})
	assert.NotNil(t, optionsResult["runtime_options"])

	cancelResult := dispatchMap(t, registry, "acp_cancel", map[string]any{
		"session_key": sessionKey,
	})
	assert.Equal(t, true, cancelResult["success"])

	listed := dispatchMap(t, registry, "acp_list", nil)
	sessions, ok := listed["sessions"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionKey, sessions[0]["session_key"])

	closed := dispatchMap(t, registry, "acp_close", map[string]any{
		"session_key": sessionKey,
		"clear_meta":  true,
	})
	assert.Equal(t, true, closed["runtime_closed"])
	assert.Equal(t, true, closed["meta_cleared"])

	listed = dispatchMap(t, registry, "acp_list", nil)
	sessions, _ = listed["sessions"].([]map[string]any)
	assert.Empty(t, sessions)
}

func TestAcpMethodsParamValidation(t *testing.T) {
	registry, _ := newAcpMethodRegistry(t)

	cases := []struct {
		method string
		params map[string]any
	}{
		{"acp_spawn", map[string]any{}},
		{"acp_spawn", map[string]any{"cwd": "/work", "mode": "bogus"}},
		{"acp_prompt", map[string]any{"text": "hi"}},
		{"acp_prompt", map[string]any{"session_key": "s1"}},
		{"acp_status", map[string]any{}},
		{"acp_set_mode", map[string]any{"session_key": "s1"}},
		{"acp_set_config_option", map[string]any{"session_key": "s1"}},
		{"acp_set_options", map[string]any{"session_key": "s1"}},
		{"acp_cancel", map[string]any{}},
		{"acp_close", map[string]any{}},
	}
	for _, tc := range cases {
		_, err := registry.Dispatch(context.Background(), tc.method, tc.params)
		assert.Error(t, err, "method %s with params %v", tc.method, tc.params)
	}
}

func TestAcpPromptSurfacesTurnError(t *testing.T) {
	require.NoError(t, runtime.RegisterAcpRuntimeBackend(runtime.AcpRuntimeBackend{
		ID:      "failing",
		Runtime: failingTurnRuntime{},
	}))
	t.Cleanup(func() { runtime.UnregisterAcpRuntimeBackend("failing") })

	cfg := &config.Config{}
	cfg.ACP.Enabled = true
	cfg.ACP.Backend = "failing"

	manager := acp.NewManagerWithStore(cfg, acp.NewMemorySessionMetaStore())
	registry := NewMethodRegistry()
	RegisterAcpMethods(registry, cfg, manager)

	spawned := dispatchMap(t, registry, "acp_spawn", map[string]any{"cwd": "/work"})
	sessionKey, _ := spawned["session_key"].(string)

	prompted := dispatchMap(t, registry, "acp_prompt", map[string]any{
		"session_key": sessionKey,
		"text":        "doomed",
	})
	assert.Equal(t, "model backend unreachable", prompted["error"])
}

type failingTurnRuntime struct{ gatewayFakeRuntime }

func (failingTurnRuntime) RunTurn(ctx context.Context, input runtime.AcpRuntimeTurnInput) (<-chan runtime.AcpRuntimeEvent, error) {
	events := make(chan runtime.AcpRuntimeEvent, 1)
	events <- &runtime.AcpEventError{Message: "model backend unreachable"}
	close(events)
	return events, nil
}
