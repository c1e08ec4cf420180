package acpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// SpawnFailure classifies a failed process spawn.
type SpawnFailure string

const (
	// SpawnFailureMissingCwd means the requested working directory does not exist.
	SpawnFailureMissingCwd SpawnFailure = "missing-cwd"

	// SpawnFailureMissingCommand means the executable could not be found.
	SpawnFailureMissingCommand SpawnFailure = "missing-command"
)

// launchedProcess is a spawned subprocess with piped stdio.
type launchedProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// exitResult is the outcome of waiting for a process. Failures surface as
// fields, never as a Go error: a spawn that failed outright carries SpawnErr,
// an abnormal termination carries Signal.
type exitResult struct {
	ExitCode int
	Signal   string
	SpawnErr error
}

// collectResult is the outcome of a one-shot invocation.
type collectResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	SpawnErr error
}

// resolveInvocation applies the platform launch policy. On Windows, batch
// scripts run through the command interpreter and PowerShell scripts through
// powershell, with the script path prepended to the arguments. Everything
// else is invoked directly.
func resolveInvocation(command string, args []string) (string, []string) {
	if goruntime.GOOS != "windows" {
		return command, args
	}
	switch strings.ToLower(filepath.Ext(command)) {
	case ".bat", ".cmd":
		return "cmd", append([]string{"/c", command}, args...)
	case ".ps1":
		return "powershell", append([]string{"-NoProfile", "-File", command}, args...)
	}
	return command, args
}

// spawnProcess starts command with piped stdin/stdout/stderr in cwd.
func spawnProcess(ctx context.Context, command string, args []string, cwd string) (*launchedProcess, error) {
	resolved, resolvedArgs := resolveInvocation(command, args)
	cmd := exec.CommandContext(ctx, resolved, resolvedArgs...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, err
	}

	return &launchedProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// waitForExit waits for the process and reports the outcome as result fields.
func waitForExit(proc *launchedProcess) exitResult {
	err := proc.cmd.Wait()
	if err == nil {
		return exitResult{ExitCode: 0}
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res := exitResult{ExitCode: ee.ExitCode()}
		if res.ExitCode == -1 {
			// Terminated by a signal; ProcessState renders "signal: <name>".
			res.Signal = strings.TrimPrefix(ee.ProcessState.String(), "signal: ")
		}
		return res
	}

	return exitResult{ExitCode: -1, SpawnErr: err}
}

// collect runs a one-shot invocation with stdin closed immediately and the
// full stdout/stderr accumulated. Used for control commands.
func collect(ctx context.Context, command string, args []string, cwd string) collectResult {
	resolved, resolvedArgs := resolveInvocation(command, args)
	cmd := exec.CommandContext(ctx, resolved, resolvedArgs...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return collectResult{ExitCode: -1, SpawnErr: err}
	}

	err := cmd.Wait()
	res := collectResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = -1
			res.SpawnErr = err
		}
	}
	return res
}

// classifySpawnFailure distinguishes a missing working directory from a
// missing executable. Computed lazily, only once a spawn has actually failed.
func classifySpawnFailure(spawnErr error, cwd string) SpawnFailure {
	if cwd != "" {
		if _, err := os.Stat(cwd); err != nil {
			return SpawnFailureMissingCwd
		}
	}
	_ = spawnErr
	return SpawnFailureMissingCommand
}

// isSpawnNotFound reports whether err looks like a file-not-found spawn error.
func isSpawnNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return true
	}
	return strings.Contains(err.Error(), "no such file or directory")
}
