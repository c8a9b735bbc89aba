package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"repogate/internal/logging"
)

// =============================================================================
// PROCESS BACKEND
// =============================================================================

// ProcessBackend runs commands directly on the host. It enforces timeouts
// and output caps but no filesystem or network isolation; it exists for
// environments without a container runtime and must be opted into.
type ProcessBackend struct{}

// NewProcessBackend returns the direct-execution fallback.
func NewProcessBackend() *ProcessBackend {
	return &ProcessBackend{}
}

func (p *ProcessBackend) Name() string { return "process" }

// Probe always succeeds; the host can run processes by definition.
func (p *ProcessBackend) Probe(ctx context.Context) error { return nil }

// Run executes the request as a child process. On timeout the child gets
// SIGTERM, then SIGKILL after the grace period.
func (p *ProcessBackend) Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	result := &ExecutionResult{
		RequestID: req.RequestID,
		Phase:     PhaseProvisioning,
		Backend:   p.Name(),
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	var cmd *exec.Cmd
	if req.Shell != "" {
		cmd = exec.CommandContext(execCtx, "sh", "-c", req.Shell)
	} else {
		cmd = exec.CommandContext(execCtx, req.Binary, req.Args...)
	}
	cmd.Dir = req.WorkDir
	cmd.Cancel = func() error {
		logging.SandboxDebug("request %s: sending SIGTERM", req.RequestID)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = req.Limits.GracePeriod

	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: req.Limits.MaxOutputBytes}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: req.Limits.MaxOutputBytes}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	result.Phase = PhaseRunning
	started := time.Now()
	err := cmd.Run()
	result.Elapsed = time.Since(started)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.Discarded = stdoutLimited.discarded + stderrLimited.discarded
	}

	switch {
	case err == nil:
		result.Phase = PhaseCompleted
	case execCtx.Err() == context.DeadlineExceeded:
		result.Phase = PhaseTimedOut
		logging.SandboxWarn("request %s killed after %s", req.RequestID, req.Limits.Timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Phase = PhaseCompleted
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Phase = PhaseCrashed
			return result, fmt.Errorf("%w: %v", ErrIsolationUnavailable, err)
		}
	}
	return result, nil
}
