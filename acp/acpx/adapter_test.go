package acpx

import (
	"context"
	"os"
	"path/filepath"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/acpgate/acp/runtime"
)

// writeFakeAcpx writes a shell script standing in for the acpx CLI and
// returns its path. Scripts ignore their arguments unless they inspect "$@".
func writeFakeAcpx(t *testing.T, script string) string {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("fake acpx scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-acpx")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func testHandle(t *testing.T, cwd string) runtime.AcpRuntimeHandle {
	t.Helper()
	state := handleState{
		Name:  "test-session",
		Agent: "main",
		Cwd:   cwd,
		Mode:  runtime.AcpSessionModePersistent,
	}
	return runtime.AcpRuntimeHandle{
		SessionKey:         "agent:main:acp:test",
		Backend:            BackendID,
		RuntimeSessionName: encodeHandleToken(state),
		Cwd:                cwd,
	}
}

func collectEvents(t *testing.T, ch <-chan runtime.AcpRuntimeEvent) []runtime.AcpRuntimeEvent {
	t.Helper()
	var events []runtime.AcpRuntimeEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatal("timed out waiting for event stream to close")
		}
	}
}

func TestEnsureSessionIssuesToken(t *testing.T) {
	script := writeFakeAcpx(t, `echo '{"type":"session","id":"rec-1","sessionId":"be-1","agentSessionId":"ag-1"}'`)
	adapter := New(Options{Command: script})
	cwd := t.TempDir()

	handle, err := adapter.EnsureSession(context.Background(), runtime.AcpRuntimeEnsureInput{
		SessionKey: "agent:main:acp:test",
		Agent:      "main",
		Mode:       runtime.AcpSessionModePersistent,
		Cwd:        cwd,
	})
	require.NoError(t, err)

	assert.Equal(t, BackendID, handle.Backend)
	assert.Equal(t, "rec-1", handle.AcpxRecordId)
	assert.Equal(t, "be-1", handle.BackendSessionId)
	assert.Equal(t, "ag-1", handle.AgentSessionId)

	state := decodeHandleToken(handle.RuntimeSessionName)
	require.NotNil(t, state)
	assert.Equal(t, "agent-main-acp-test", state.Name)
	assert.Equal(t, "main", state.Agent)
	assert.Equal(t, cwd, state.Cwd)
	assert.Equal(t, "be-1", state.BackendSessionId)
}

func TestEnsureSessionRequiresInput(t *testing.T) {
	adapter := New(Options{Command: "acpx-never-spawned"})

	_, err := adapter.EnsureSession(context.Background(), runtime.AcpRuntimeEnsureInput{})
	assert.Equal(t, runtime.ErrCodeSessionInitFailed, runtime.GetAcpErrorCode(err))

	_, err = adapter.EnsureSession(context.Background(), runtime.AcpRuntimeEnsureInput{SessionKey: "k", Agent: "main"})
	assert.Equal(t, runtime.ErrCodeSessionInitFailed, runtime.GetAcpErrorCode(err))
}

func TestEnsureSessionErrorEventFailsZeroExit(t *testing.T) {
	// A zero exit code does not make the invocation a success when the
	// output carries an error event.
	script := writeFakeAcpx(t, `echo '{"type":"error","message":"agent rejected session"}'; exit 0`)
	adapter := New(Options{Command: script})

	_, err := adapter.EnsureSession(context.Background(), runtime.AcpRuntimeEnsureInput{
		SessionKey: "k1",
		Agent:      "main",
		Cwd:        t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, runtime.ErrCodeSessionInitFailed, runtime.GetAcpErrorCode(err))
	assert.Contains(t, err.Error(), "agent rejected session")
}

func TestEnsureSessionMissingCommand(t *testing.T) {
	adapter := New(Options{
		Command:     "/nonexistent/acpx-missing-binary",
		InstallHint: "npm install -g acpx",
	})
	require.True(t, adapter.Healthy())

	_, err := adapter.EnsureSession(context.Background(), runtime.AcpRuntimeEnsureInput{
		SessionKey: "k1",
		Agent:      "main",
		Cwd:        t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, runtime.ErrCodeBackendUnavailable, runtime.GetAcpErrorCode(err))
	assert.Contains(t, err.Error(), "npm install -g acpx")
	assert.False(t, adapter.Healthy())
}

func TestEnsureSessionMissingCwd(t *testing.T) {
	script := writeFakeAcpx(t, `echo '{"type":"session"}'`)
	adapter := New(Options{Command: script})

	_, err := adapter.EnsureSession(context.Background(), runtime.AcpRuntimeEnsureInput{
		SessionKey: "k1",
		Agent:      "main",
		Cwd:        "/nonexistent/cwd-for-acpx-test",
	})
	require.Error(t, err)
	// A missing cwd is the caller's fault, not a missing backend.
	assert.Equal(t, runtime.ErrCodeSessionInitFailed, runtime.GetAcpErrorCode(err))
	assert.True(t, adapter.Healthy())
}

func TestRunTurnStreamsEvents(t *testing.T) {
	script := writeFakeAcpx(t, `cat > /dev/null
echo '{"type":"status","text":"thinking"}'
echo '{"type":"text","text":"hello ","stream":"output"}'
echo 'non-json diagnostic line'
echo '{"type":"text","text":"world"}'
echo '{"type":"tool_call","name":"read_file"}'
echo '{"type":"done","stopReason":"end_turn"}'`)
	adapter := New(Options{Command: script})
	cwd := t.TempDir()

	ch, err := adapter.RunTurn(context.Background(), runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, cwd),
		Text:   "say hello",
		Mode:   runtime.AcpPromptModePrompt,
	})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 5)

	status, ok := events[0].(*runtime.AcpEventStatus)
	require.True(t, ok)
	assert.Equal(t, "thinking", status.Text)

	delta, ok := events[1].(*runtime.AcpEventTextDelta)
	require.True(t, ok)
	assert.Equal(t, "hello ", delta.Text)
	assert.Equal(t, "output", delta.Stream)

	record, ok := events[3].(*runtime.AcpEventRecord)
	require.True(t, ok)
	assert.Equal(t, "tool_call", record.Fields["type"])

	done, ok := events[4].(*runtime.AcpEventDone)
	require.True(t, ok)
	assert.Equal(t, "end_turn", done.StopReason)
}

func TestRunTurnSynthesizesDoneOnCleanExit(t *testing.T) {
	script := writeFakeAcpx(t, `cat > /dev/null
echo '{"type":"text","text":"partial"}'`)
	adapter := New(Options{Command: script})

	ch, err := adapter.RunTurn(context.Background(), runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, t.TempDir()),
		Text:   "x",
	})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	done, ok := events[1].(*runtime.AcpEventDone)
	require.True(t, ok)
	assert.Equal(t, "end_of_stream", done.StopReason)
}

func TestRunTurnSynthesizesErrorFromStderr(t *testing.T) {
	script := writeFakeAcpx(t, `cat > /dev/null
echo 'fatal: model backend unreachable' >&2
exit 7`)
	adapter := New(Options{Command: script})

	ch, err := adapter.RunTurn(context.Background(), runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, t.TempDir()),
		Text:   "x",
	})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.NotEmpty(t, events)
	errEvent, ok := events[len(events)-1].(*runtime.AcpEventError)
	require.True(t, ok)
	assert.Contains(t, errEvent.Message, "model backend unreachable")
}

func TestRunTurnSynthesizesErrorFromExitCode(t *testing.T) {
	script := writeFakeAcpx(t, `cat > /dev/null
exit 9`)
	adapter := New(Options{Command: script})

	ch, err := adapter.RunTurn(context.Background(), runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, t.TempDir()),
		Text:   "x",
	})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	errEvent, ok := events[0].(*runtime.AcpEventError)
	require.True(t, ok)
	assert.Contains(t, errEvent.Message, "exited with code 9")
}

func TestRunTurnErrorEventWinsOverCleanExit(t *testing.T) {
	script := writeFakeAcpx(t, `cat > /dev/null
echo '{"type":"error","message":"turn rejected","code":"E_REJECT"}'
exit 0`)
	adapter := New(Options{Command: script})

	ch, err := adapter.RunTurn(context.Background(), runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, t.TempDir()),
		Text:   "x",
	})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	errEvent, ok := events[0].(*runtime.AcpEventError)
	require.True(t, ok)
	assert.Equal(t, "turn rejected", errEvent.Message)
	assert.Equal(t, "E_REJECT", errEvent.Code)
}

func TestRunTurnAbandonedConsumerStillReapsProcess(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "finished")
	// Far more output than the stream buffer holds, then a marker file so
	// the test knows the process ran to completion.
	script := writeFakeAcpx(t, `cat > /dev/null
i=0
while [ $i -lt 40 ]; do
  echo '{"type":"text","text":"chunk"}'
  i=$((i+1))
done
echo '{"type":"done","stopReason":"end_turn"}'
touch `+marker)
	adapter := New(Options{Command: script})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := adapter.RunTurn(ctx, runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, t.TempDir()),
		Text:   "x",
	})
	require.NoError(t, err)

	// Take one event, cancel, and stop iterating.
	<-ch
	cancel()

	require.Eventually(t, func() bool {
		_, statErr := os.Stat(marker)
		return statErr == nil
	}, 10*time.Second, 10*time.Millisecond)

	// The producer must have drained stdout past the blocked send, waited
	// for the process and closed the channel; only buffered leftovers
	// remain.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event stream never closed after the consumer walked away")
		}
	}
}

func TestRunTurnPreCanceledContext(t *testing.T) {
	script := writeFakeAcpx(t, `exit 0`)
	adapter := New(Options{Command: script})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := adapter.RunTurn(ctx, runtime.AcpRuntimeTurnInput{
		Handle: testHandle(t, t.TempDir()),
		Text:   "x",
	})
	require.Error(t, err)
	assert.Equal(t, runtime.ErrCodeTurnFailed, runtime.GetAcpErrorCode(err))
}

func TestGetStatusNoSessionYieldsNil(t *testing.T) {
	script := writeFakeAcpx(t, `echo '{"type":"error","message":"no session found for test-session"}'
exit 1`)
	adapter := New(Options{Command: script})

	status, err := adapter.GetStatus(context.Background(), testHandle(t, t.TempDir()))
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestGetStatusSummaryAndIdentity(t *testing.T) {
	script := writeFakeAcpx(t, `echo '{"state":"idle","sessionId":"be-9","agent_session_id":"ag-9"}'`)
	adapter := New(Options{Command: script})

	status, err := adapter.GetStatus(context.Background(), testHandle(t, t.TempDir()))
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "idle", status.Summary)
	assert.Equal(t, "be-9", status.BackendSessionId)
	assert.Equal(t, "ag-9", status.AgentSessionId)
}

func TestGetStatusEmptyOutputYieldsNil(t *testing.T) {
	script := writeFakeAcpx(t, `exit 0`)
	adapter := New(Options{Command: script})

	status, err := adapter.GetStatus(context.Background(), testHandle(t, t.TempDir()))
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestCancelAndCloseAreIdempotent(t *testing.T) {
	script := writeFakeAcpx(t, `echo '{"type":"error","message":"unknown session test-session"}'
exit 1`)
	adapter := New(Options{Command: script})
	handle := testHandle(t, t.TempDir())

	assert.NoError(t, adapter.Cancel(context.Background(), handle, "test"))
	assert.NoError(t, adapter.Close(context.Background(), handle, "test"))
}

func TestSetModeAndSetConfigOption(t *testing.T) {
	script := writeFakeAcpx(t, `echo '{"ok":true}'`)
	adapter := New(Options{Command: script})
	handle := testHandle(t, t.TempDir())

	assert.NoError(t, adapter.SetMode(context.Background(), handle, "plan"))
	assert.NoError(t, adapter.SetConfigOption(context.Background(), handle, "model", "sonnet"))

	err := adapter.SetMode(context.Background(), handle, "  ")
	assert.Equal(t, runtime.ErrCodeInvalidRuntimeOption, runtime.GetAcpErrorCode(err))
	err = adapter.SetConfigOption(context.Background(), handle, "", "v")
	assert.Equal(t, runtime.ErrCodeInvalidRuntimeOption, runtime.GetAcpErrorCode(err))
}

func TestDoctor(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		script := writeFakeAcpx(t, `echo 'acpx 1.2.3'`)
		adapter := New(Options{Command: script})

		report, err := adapter.Doctor(context.Background())
		require.NoError(t, err)
		assert.True(t, report.Ok)
		assert.Contains(t, report.Message, "1.2.3")
	})

	t.Run("missing command", func(t *testing.T) {
		adapter := New(Options{
			Command:     "/nonexistent/acpx-missing-binary",
			InstallHint: "npm install -g acpx",
		})

		report, err := adapter.Doctor(context.Background())
		require.NoError(t, err)
		assert.False(t, report.Ok)
		assert.Equal(t, runtime.ErrCodeBackendUnavailable, report.Code)
		assert.Equal(t, "npm install -g acpx", report.InstallCommand)
		assert.False(t, adapter.Healthy())
	})
}

func TestProbeAvailability(t *testing.T) {
	good := writeFakeAcpx(t, `exit 0`)
	adapter := New(Options{Command: good})
	assert.True(t, adapter.ProbeAvailability(context.Background()))
	assert.True(t, adapter.Healthy())

	adapter.Configure(Options{Command: "/nonexistent/acpx-missing-binary"})
	assert.False(t, adapter.ProbeAvailability(context.Background()))
	assert.False(t, adapter.Healthy())
}

func TestSessionNameFor(t *testing.T) {
	assert.Equal(t, "agent-main-acp-42", sessionNameFor("agent:main:acp:42"))
	assert.Equal(t, "a_b-c", sessionNameFor("a_b-c"))
	assert.Equal(t, "session", sessionNameFor("::::"))
	assert.Equal(t, "session", sessionNameFor(""))
}

func TestPromptArgs(t *testing.T) {
	adapter := New(Options{
		Command:           "acpx",
		PermissionMode:    "plan",
		PermissionProfile: "strict",
		TimeoutSeconds:    120,
		QueueTTLSeconds:   600,
	})
	state := handleState{Name: "s1", Agent: "main", Cwd: "/work"}

	args := adapter.promptArgs(state)
	assert.Equal(t, []string{
		"--format", "json", "--json-strict", "--cwd", "/work",
		"--permission-mode", "plan",
		"--non-interactive-permissions", "strict",
		"--timeout", "120",
		"--ttl", "600",
		"main", "prompt", "--session", "s1", "--file", "-",
	}, args)
}

func TestPromptArgsDefaults(t *testing.T) {
	adapter := New(Options{Command: "acpx"})
	state := handleState{Name: "s1", Agent: "main", Cwd: "/work"}

	args := adapter.promptArgs(state)
	assert.Equal(t, []string{
		"--format", "json", "--json-strict", "--cwd", "/work",
		"--non-interactive-permissions", "on-request",
		"--ttl", "300",
		"main", "prompt", "--session", "s1", "--file", "-",
	}, args)
}
