// Package acpx bridges ACP sessions to the external acpx CLI. Every
// operation is a subprocess invocation: control commands run one-shot and
// collect NDJSON output, prompt turns stream NDJSON records from stdout.
package acpx

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/internal/logger"
)

const (
	// BackendID is the registry identifier for this backend.
	BackendID = "acpx"

	controlTimeout = 30 * time.Second

	stderrTailLimit = 2000
)

// Options configures the acpx adapter.
type Options struct {
	// Command is the acpx executable name or path.
	Command string

	// InstallHint is surfaced by Doctor when the command is missing.
	InstallHint string

	// DefaultAgent is used when a legacy handle carries no agent.
	DefaultAgent string

	// PermissionMode is passed through to prompt invocations when set.
	PermissionMode string

	// PermissionProfile selects the non-interactive permission policy.
	PermissionProfile string

	// TimeoutSeconds bounds a single prompt turn. Zero means no --timeout flag.
	TimeoutSeconds int

	// QueueTTLSeconds is the queue TTL passed to prompt invocations.
	QueueTTLSeconds int
}

// Adapter implements runtime.AcpRuntime on top of the acpx CLI.
type Adapter struct {
	mu   sync.RWMutex
	opts Options

	// healthy tracks whether the acpx command is believed to exist. It is
	// refreshed by ProbeAvailability and by spawn-failure classification:
	// a missing-command failure clears it so the registry health gate
	// short-circuits instead of re-spawning a binary that is not there.
	healthy atomic.Bool

	log *zap.Logger
}

// New creates an adapter. The health flag starts true: the command is
// presumed present until a probe or spawn proves otherwise.
func New(opts Options) *Adapter {
	if opts.Command == "" {
		opts.Command = "acpx"
	}
	if opts.PermissionProfile == "" {
		opts.PermissionProfile = "on-request"
	}
	if opts.QueueTTLSeconds <= 0 {
		opts.QueueTTLSeconds = 300
	}
	a := &Adapter{
		opts: opts,
		log:  logger.Component("acp.acpx"),
	}
	a.healthy.Store(true)
	return a
}

var defaultAdapter = New(Options{})

func init() {
	_ = runtime.RegisterAcpRuntimeBackend(runtime.AcpRuntimeBackend{
		ID:      BackendID,
		Runtime: defaultAdapter,
		Healthy: defaultAdapter.Healthy,
	})
}

// DefaultAdapter returns the process-wide adapter registered as "acpx".
func DefaultAdapter() *Adapter {
	return defaultAdapter
}

// Configure replaces the adapter options. Applied to new invocations only.
func (a *Adapter) Configure(opts Options) {
	if opts.Command == "" {
		opts.Command = "acpx"
	}
	if opts.PermissionProfile == "" {
		opts.PermissionProfile = "on-request"
	}
	if opts.QueueTTLSeconds <= 0 {
		opts.QueueTTLSeconds = 300
	}
	a.mu.Lock()
	a.opts = opts
	a.mu.Unlock()
}

// Healthy reports the last known availability of the acpx command.
func (a *Adapter) Healthy() bool {
	return a.healthy.Load()
}

func (a *Adapter) options() Options {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.opts
}

// commonArgs are the flags every invocation carries: machine-readable output
// with strict JSON, plus the working directory.
func commonArgs(cwd string) []string {
	return []string{"--format", "json", "--json-strict", "--cwd", cwd}
}

// classifySpawnError converts a spawn failure into a typed runtime error,
// updating the health flag when the command itself is missing.
func (a *Adapter) classifySpawnError(spawnErr error, cwd string) error {
	opts := a.options()
	switch classifySpawnFailure(spawnErr, cwd) {
	case SpawnFailureMissingCwd:
		return runtime.NewTurnError(
			fmt.Sprintf("working directory does not exist: %s", cwd), spawnErr)
	default:
		a.healthy.Store(false)
		return runtime.NewBackendUnavailableError(
			fmt.Sprintf("acpx command not found: %s (install hint: %s)", opts.Command, opts.InstallHint),
			spawnErr)
	}
}

// runControl runs a one-shot control command and returns the parsed records.
// An embedded error event fails the invocation even on a zero exit code.
func (a *Adapter) runControl(ctx context.Context, cwd string, verbArgs []string) ([]map[string]any, error) {
	opts := a.options()
	args := append(commonArgs(cwd), verbArgs...)

	cctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	res := collect(cctx, opts.Command, args, cwd)
	if res.SpawnErr != nil {
		return nil, a.classifySpawnError(res.SpawnErr, cwd)
	}
	a.healthy.Store(true)

	records := parseJSONLines(res.Stdout)
	if ev := firstErrorEvent(records); ev != nil {
		return records, runtime.NewTurnError(ev.Message, nil)
	}
	if res.ExitCode != 0 {
		message := tailOf(res.Stderr, stderrTailLimit)
		if message == "" {
			message = fmt.Sprintf("acpx exited with code %d", res.ExitCode)
		}
		return records, runtime.NewTurnError(message, nil)
	}
	return records, nil
}

// isNoSessionFailure reports whether err describes a session the backend no
// longer knows about. Cancel, Close and GetStatus tolerate these.
func isNoSessionFailure(err error) bool {
	if err == nil {
		return false
	}
	if runtime.GetAcpErrorCode(err) != runtime.ErrCodeTurnFailed {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "unknown session")
}

// extractIdentity pulls the identity triple out of control-command records.
// First non-empty value per field wins.
func extractIdentity(records []map[string]any) (recordID, backendSessionID, agentSessionID string) {
	for _, record := range records {
		if recordID == "" {
			recordID = stringField(record, "acpxRecordId", "recordId", "record_id", "id")
		}
		if backendSessionID == "" {
			backendSessionID = stringField(record, "backendSessionId", "sessionId", "session_id")
		}
		if agentSessionID == "" {
			agentSessionID = stringField(record, "agentSessionId", "agent_session_id")
		}
	}
	return recordID, backendSessionID, agentSessionID
}

// stateFor recovers the embedded session state from a handle, falling back
// to legacy interpretation when the token does not decode.
func (a *Adapter) stateFor(handle runtime.AcpRuntimeHandle) handleState {
	if state := decodeHandleToken(handle.RuntimeSessionName); state != nil {
		return *state
	}
	return legacyHandleState(handle, a.options().DefaultAgent)
}

// sessionNameFor derives the backend session name from a session key. The
// key is flattened to a safe slug so it survives as a CLI argument.
func sessionNameFor(sessionKey string) string {
	var b strings.Builder
	for _, r := range sessionKey {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "session"
	}
	return name
}

// EnsureSession creates or resumes a backend session and returns a handle
// whose RuntimeSessionName is a self-describing token.
func (a *Adapter) EnsureSession(ctx context.Context, input runtime.AcpRuntimeEnsureInput) (runtime.AcpRuntimeHandle, error) {
	if input.SessionKey == "" {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("session key is required", nil)
	}
	if input.Agent == "" {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("agent is required", nil)
	}
	if input.Cwd == "" {
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError("working directory is required", nil)
	}
	mode := input.Mode
	if mode == "" {
		mode = runtime.AcpSessionModePersistent
	}

	name := sessionNameFor(input.SessionKey)
	records, err := a.runControl(ctx, input.Cwd, []string{
		input.Agent, "session", "ensure",
		"--session", name,
		"--mode", string(mode),
	})
	if err != nil {
		if runtime.GetAcpErrorCode(err) == runtime.ErrCodeBackendUnavailable {
			return runtime.AcpRuntimeHandle{}, err
		}
		return runtime.AcpRuntimeHandle{}, runtime.NewSessionInitError(
			fmt.Sprintf("failed to ensure acpx session '%s'", name), err)
	}

	recordID, backendSessionID, agentSessionID := extractIdentity(records)
	state := handleState{
		Name:             name,
		Agent:            input.Agent,
		Cwd:              input.Cwd,
		Mode:             mode,
		AcpxRecordId:     recordID,
		BackendSessionId: backendSessionID,
		AgentSessionId:   agentSessionID,
	}

	a.log.Info("acpx session ensured",
		zap.String("session_key", input.SessionKey),
		zap.String("session_name", name),
		zap.String("agent", input.Agent),
		zap.String("mode", string(mode)))

	return runtime.AcpRuntimeHandle{
		SessionKey:         input.SessionKey,
		Backend:            BackendID,
		RuntimeSessionName: encodeHandleToken(state),
		Cwd:                input.Cwd,
		AcpxRecordId:       recordID,
		BackendSessionId:   backendSessionID,
		AgentSessionId:     agentSessionID,
	}, nil
}

// promptArgs builds the argument list for a streaming prompt invocation.
// The prompt text itself travels over stdin, not argv.
func (a *Adapter) promptArgs(state handleState) []string {
	opts := a.options()
	args := commonArgs(state.Cwd)
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	args = append(args, "--non-interactive-permissions", opts.PermissionProfile)
	if opts.TimeoutSeconds > 0 {
		args = append(args, "--timeout", strconv.Itoa(opts.TimeoutSeconds))
	}
	args = append(args, "--ttl", strconv.Itoa(opts.QueueTTLSeconds))
	args = append(args, state.Agent, "prompt", "--session", state.Name, "--file", "-")
	return args
}

// RunTurn spawns a prompt invocation, writes the text to stdin and streams
// parsed records as events. For a consumer that drains the channel it always
// ends with a terminal done or error event and is then closed. A consumer
// that stops iterating early must cancel ctx; remaining events are dropped,
// stdout is drained to EOF and the process is reaped either way.
func (a *Adapter) RunTurn(ctx context.Context, input runtime.AcpRuntimeTurnInput) (<-chan runtime.AcpRuntimeEvent, error) {
	state := a.stateFor(input.Handle)

	// A cancellation that fires before spawn skips the turn entirely and
	// tells the backend to cancel whatever it may have queued.
	if ctx.Err() != nil {
		a.fireCancel(state, "canceled before start")
		return nil, runtime.NewTurnError("turn canceled before start", ctx.Err())
	}

	opts := a.options()
	proc, err := spawnProcess(context.Background(), opts.Command, a.promptArgs(state), state.Cwd)
	if err != nil {
		return nil, a.classifySpawnError(err, state.Cwd)
	}
	a.healthy.Store(true)

	events := make(chan runtime.AcpRuntimeEvent, 16)

	// Feed the prompt and close stdin so the CLI sees EOF.
	go func() {
		_, _ = io.WriteString(proc.stdin, input.Text)
		_, _ = io.WriteString(proc.stdin, "\n")
		_ = proc.stdin.Close()
	}()

	// Accumulate stderr concurrently for the synthesized error message.
	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(proc.stderr)
		stderrCh <- string(data)
	}()

	// Mid-turn cancellation is cooperative: the backend gets a cancel
	// control command and decides how to wind the turn down. The stream
	// keeps draining until the process exits on its own.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.log.Info("turn cancellation requested",
				zap.String("session_name", state.Name),
				zap.String("request_id", input.RequestID))
			a.fireCancel(state, "caller canceled")
		case <-watchDone:
		}
	}()

	// emit never wedges the producer: a consumer that stops iterating must
	// cancel ctx, after which events are dropped while stdout keeps draining
	// to EOF so the process can exit and be reaped.
	emit := func(ev runtime.AcpRuntimeEvent) {
		select {
		case events <- ev:
			return
		default:
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)
		defer close(watchDone)

		sawDone := false
		sawError := false

		scanner := bufio.NewScanner(proc.stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			record, ok := parseLine(scanner.Text())
			if !ok {
				continue
			}
			if ev := classifyErrorEvent(record); ev != nil {
				sawError = true
				emit(&runtime.AcpEventError{Message: ev.Message, Code: ev.Code, Retryable: ev.Retryable})
				continue
			}
			if stopReason, ok := isDoneRecord(record); ok {
				sawDone = true
				emit(&runtime.AcpEventDone{StopReason: stopReason})
				continue
			}
			emit(recordToEvent(record))
		}

		res := waitForExit(proc)
		stderrText := <-stderrCh

		if !sawDone && !sawError {
			if res.ExitCode != 0 || res.SpawnErr != nil {
				message := tailOf(stderrText, stderrTailLimit)
				if message == "" {
					if res.Signal != "" {
						message = fmt.Sprintf("acpx terminated by signal %s", res.Signal)
					} else {
						message = fmt.Sprintf("acpx exited with code %d", res.ExitCode)
					}
				}
				emit(&runtime.AcpEventError{Message: message})
			} else {
				// Clean exit with no terminal record still yields a done
				// so consumers can rely on a terminal event.
				emit(&runtime.AcpEventDone{StopReason: "end_of_stream"})
			}
		}
	}()

	return events, nil
}

// recordToEvent maps a non-terminal record to a stream event. Text and
// status shapes get typed events, everything else passes through unchanged.
func recordToEvent(record map[string]any) runtime.AcpRuntimeEvent {
	typ, _ := record["type"].(string)
	switch typ {
	case "text", "agent_text", "delta":
		if text := stringField(record, "text", "delta"); text != "" {
			stream, _ := record["stream"].(string)
			if stream == "" {
				stream = "output"
			}
			return &runtime.AcpEventTextDelta{Text: text, Stream: stream}
		}
	case "status":
		if text := stringField(record, "text", "message"); text != "" {
			return &runtime.AcpEventStatus{Text: text}
		}
	}
	return &runtime.AcpEventRecord{Fields: record}
}

// fireCancel issues a best-effort cancel control command, detached from the
// caller's context.
func (a *Adapter) fireCancel(state handleState, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	_, err := a.runControl(ctx, state.Cwd, []string{
		state.Agent, "session", "cancel",
		"--session", state.Name,
		"--reason", reason,
	})
	if err != nil && !isNoSessionFailure(err) {
		a.log.Warn("acpx cancel failed",
			zap.String("session_name", state.Name),
			zap.Error(err))
	}
}

// GetCapabilities lists the control operations this backend supports.
func (a *Adapter) GetCapabilities(ctx context.Context, handle *runtime.AcpRuntimeHandle) (runtime.AcpRuntimeCapabilities, error) {
	return runtime.AcpRuntimeCapabilities{
		Controls: []runtime.AcpRuntimeControl{
			runtime.AcpControlSessionSetMode,
			runtime.AcpControlSessionSetConfigOption,
			runtime.AcpControlSessionStatus,
		},
	}, nil
}

// GetStatus queries the backend for session status. A backend that no
// longer knows the session yields (nil, nil).
func (a *Adapter) GetStatus(ctx context.Context, handle runtime.AcpRuntimeHandle) (*runtime.AcpRuntimeStatus, error) {
	state := a.stateFor(handle)
	records, err := a.runControl(ctx, state.Cwd, []string{
		state.Agent, "session", "status",
		"--session", state.Name,
	})
	if err != nil {
		if isNoSessionFailure(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	recordID, backendSessionID, agentSessionID := extractIdentity(records)
	status := &runtime.AcpRuntimeStatus{
		AcpxRecordId:     recordID,
		BackendSessionId: backendSessionID,
		AgentSessionId:   agentSessionID,
		Details:          records[0],
	}
	if summary := stringField(records[0], "summary", "state", "status"); summary != "" {
		status.Summary = summary
	} else {
		status.Summary = "active"
	}
	return status, nil
}

// SetMode switches the session runtime mode.
func (a *Adapter) SetMode(ctx context.Context, handle runtime.AcpRuntimeHandle, mode string) error {
	if strings.TrimSpace(mode) == "" {
		return runtime.NewInvalidRuntimeOptionError("runtime mode must not be empty")
	}
	state := a.stateFor(handle)
	_, err := a.runControl(ctx, state.Cwd, []string{
		state.Agent, "session", "set-mode",
		"--session", state.Name,
		"--mode", mode,
	})
	return err
}

// SetConfigOption applies a single key/value config option to the session.
func (a *Adapter) SetConfigOption(ctx context.Context, handle runtime.AcpRuntimeHandle, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return runtime.NewInvalidRuntimeOptionError("config option key must not be empty")
	}
	state := a.stateFor(handle)
	_, err := a.runControl(ctx, state.Cwd, []string{
		state.Agent, "session", "set-config",
		"--session", state.Name,
		"--key", key,
		"--value", value,
	})
	return err
}

// ProbeAvailability checks that the acpx command exists and answers both
// --version and --help. The result refreshes the health flag.
func (a *Adapter) ProbeAvailability(ctx context.Context) bool {
	opts := a.options()
	for _, flag := range []string{"--version", "--help"} {
		cctx, cancel := context.WithTimeout(ctx, controlTimeout)
		res := collect(cctx, opts.Command, []string{flag}, "")
		cancel()
		if res.SpawnErr != nil || res.ExitCode != 0 {
			a.healthy.Store(false)
			return false
		}
	}
	a.healthy.Store(true)
	return true
}

// Doctor reports backend health with an install hint when the command is
// missing.
func (a *Adapter) Doctor(ctx context.Context) (runtime.AcpRuntimeDoctorReport, error) {
	opts := a.options()

	cctx, cancel := context.WithTimeout(ctx, controlTimeout)
	res := collect(cctx, opts.Command, []string{"--version"}, "")
	cancel()

	if res.SpawnErr != nil {
		a.healthy.Store(false)
		return runtime.AcpRuntimeDoctorReport{
			Ok:             false,
			Code:           runtime.ErrCodeBackendUnavailable,
			Message:        fmt.Sprintf("acpx command not found: %s", opts.Command),
			InstallCommand: opts.InstallHint,
			Details:        []string{res.SpawnErr.Error()},
		}, nil
	}
	if res.ExitCode != 0 {
		a.healthy.Store(false)
		return runtime.AcpRuntimeDoctorReport{
			Ok:      false,
			Code:    runtime.ErrCodeBackendUnavailable,
			Message: fmt.Sprintf("acpx --version exited with code %d", res.ExitCode),
			Details: []string{tailOf(res.Stderr, stderrTailLimit)},
		}, nil
	}

	a.healthy.Store(true)
	version := strings.TrimSpace(res.Stdout)
	return runtime.AcpRuntimeDoctorReport{
		Ok:      true,
		Message: fmt.Sprintf("acpx available (%s)", version),
		Details: []string{"command: " + opts.Command},
	}, nil
}

// Cancel asks the backend to cancel the session's active turn. Idempotent:
// a session the backend no longer knows is success.
func (a *Adapter) Cancel(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	state := a.stateFor(handle)
	args := []string{state.Agent, "session", "cancel", "--session", state.Name}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := a.runControl(ctx, state.Cwd, args)
	if isNoSessionFailure(err) {
		return nil
	}
	return err
}

// Close releases the backend session. Idempotent like Cancel.
func (a *Adapter) Close(ctx context.Context, handle runtime.AcpRuntimeHandle, reason string) error {
	state := a.stateFor(handle)
	args := []string{state.Agent, "session", "close", "--session", state.Name}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := a.runControl(ctx, state.Cwd, args)
	if isNoSessionFailure(err) {
		return nil
	}
	return err
}
