// Package sandbox performs the side effects the broker allows: reading and
// writing validated paths and running whitelisted commands in isolation.
// Nothing in this package accepts a raw agent-supplied path; callers hand in
// boundary.ValidatedPath tokens.
package sandbox

import (
	"time"

	"github.com/google/uuid"
)

// Phase tracks an execution through its lifecycle. Transitions only move
// forward; a request that reaches a terminal phase never changes again.
type Phase string

const (
	PhasePending      Phase = "pending"
	PhaseValidating   Phase = "validating"
	PhaseRejected     Phase = "rejected"
	PhaseProvisioning Phase = "provisioning"
	PhaseRunning      Phase = "running"
	PhaseCompleted    Phase = "completed"
	PhaseTimedOut     Phase = "timed_out"
	PhaseCrashed      Phase = "crashed"
)

// ResourceLimits bounds one execution.
type ResourceLimits struct {
	Timeout        time.Duration `json:"timeout"`
	GracePeriod    time.Duration `json:"grace_period"`
	MaxMemoryBytes int64         `json:"max_memory_bytes"`
	CPULimit       float64       `json:"cpu_limit"`
	MaxProcesses   int           `json:"max_processes"`
	MaxOutputBytes int64         `json:"max_output_bytes"`
}

// ExecutionRequest describes one command run. It is immutable after
// creation; the backend never mutates it.
type ExecutionRequest struct {
	// RequestID correlates the run with logs and audit entries.
	RequestID string `json:"request_id"`

	// Binary is the resolved first token of the command.
	Binary string `json:"binary"`

	// Args are the remaining tokens.
	Args []string `json:"args"`

	// Shell holds the raw command line when it needs shell interpretation
	// (pipes, redirects). Empty for plain argv execution.
	Shell string `json:"shell,omitempty"`

	// Stdin is fed to the process, if any.
	Stdin string `json:"stdin,omitempty"`

	// WorkDir is the canonical repository root the command runs in.
	WorkDir string `json:"work_dir"`

	// Limits bounds the run.
	Limits ResourceLimits `json:"limits"`
}

// NewExecutionRequest assigns a fresh request ID.
func NewExecutionRequest(binary string, args []string, workDir string, limits ResourceLimits) ExecutionRequest {
	return ExecutionRequest{
		RequestID: uuid.NewString(),
		Binary:    binary,
		Args:      args,
		WorkDir:   workDir,
		Limits:    limits,
	}
}

// ExecutionResult is the outcome of one run. A non-zero exit code is still a
// successful execution: the command ran to completion and said no. Phase
// distinguishes completion from timeout and infrastructure failure.
type ExecutionResult struct {
	RequestID string        `json:"request_id"`
	Phase     Phase         `json:"phase"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated"`
	Discarded int64         `json:"discarded_bytes,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Backend   string        `json:"backend"`
}
