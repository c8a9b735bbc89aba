package sandbox

import "context"

// Backend runs one command under isolation and reports how it ended.
// Implementations must honor the context deadline and the output cap, and
// must never report a non-zero exit code as an infrastructure failure.
type Backend interface {
	// Name identifies the backend in logs and results.
	Name() string

	// Probe reports whether the backend is usable right now.
	Probe(ctx context.Context) error

	// Run executes the request to completion. The error return is reserved
	// for infrastructure failure; command outcomes (including timeouts and
	// non-zero exits) are expressed in the result's Phase and ExitCode.
	Run(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// SelectBackend picks the strongest available backend: container isolation
// when the runtime is present, otherwise a direct process fallback when
// allowed. With allowFallback false an absent container runtime is a hard
// failure, not a silent downgrade.
func SelectBackend(ctx context.Context, docker *DockerBackend, proc *ProcessBackend, allowFallback bool) (Backend, error) {
	if err := docker.Probe(ctx); err == nil {
		return docker, nil
	}
	if allowFallback && proc != nil {
		return proc, nil
	}
	return nil, ErrIsolationUnavailable
}
