package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"repogate/internal/logging"
)

// =============================================================================
// DOCKER BACKEND
// =============================================================================

// DockerBackend runs commands in a throwaway container: no network, a
// read-only filesystem apart from the workspace mount and a tmpfs scratch
// area, all capabilities dropped.
type DockerBackend struct {
	dockerPath     string
	image          string
	approvedImages map[string]bool
}

// NewDockerBackend locates the container runtime. A missing binary is not an
// error here; Probe reports availability.
func NewDockerBackend(image string, approvedImages []string) *DockerBackend {
	path, err := exec.LookPath("docker")
	if err != nil {
		path = ""
	}
	approved := make(map[string]bool, len(approvedImages))
	for _, img := range approvedImages {
		approved[img] = true
	}
	return &DockerBackend{
		dockerPath:     path,
		image:          image,
		approvedImages: approved,
	}
}

func (d *DockerBackend) Name() string { return "docker" }

// Probe checks that the docker daemon answers.
func (d *DockerBackend) Probe(ctx context.Context) error {
	if d.dockerPath == "" {
		return fmt.Errorf("%w: docker binary not found", ErrIsolationUnavailable)
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, d.dockerPath, "info", "--format", "{{.ServerVersion}}")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: docker daemon not responding: %v", ErrIsolationUnavailable, err)
	}
	return nil
}

// Run executes the request in a container. The image must be on the
// approved list; an unapproved image fails the run rather than degrading to
// weaker isolation.
func (d *DockerBackend) Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	result := &ExecutionResult{
		RequestID: req.RequestID,
		Phase:     PhaseProvisioning,
		Backend:   d.Name(),
	}

	if !d.approvedImages[d.image] {
		result.Phase = PhaseRejected
		return result, fmt.Errorf("%w: %s", ErrImageUnverified, d.image)
	}

	args := d.buildArgs(req)
	logging.SandboxDebug("docker args: %s", strings.Join(args, " "))

	execCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, d.dockerPath, args...)
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

// buildArgs assembles the docker run invocation. The workspace is the only
// writable mount; everything else is locked down.
func (d *DockerBackend) buildArgs(req ExecutionRequest) []string {
	args := []string{"run", "--rm"}

	args = append(args, "--network", "none")
	args = append(args, "--read-only")
	args = append(args, "--tmpfs", "/tmp:size=64m")
	args = append(args, "--cap-drop", "ALL")
	args = append(args, "--security-opt", "no-new-privileges")

	args = append(args, "-v", fmt.Sprintf("%s:/workspace:rw", req.WorkDir))
	args = append(args, "-w", "/workspace")

	if req.Limits.MaxMemoryBytes > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", req.Limits.MaxMemoryBytes))
	}
	if req.Limits.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", req.Limits.CPULimit))
	}
	if req.Limits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", req.Limits.MaxProcesses))
	}

	if req.Stdin != "" {
		args = append(args, "-i")
	}

	args = append(args, d.image)

	if req.Shell != "" {
		args = append(args, "sh", "-c", req.Shell)
	} else {
		args = append(args, req.Binary)
		args = append(args, req.Args...)
	}
	return args
}
