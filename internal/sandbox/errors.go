package sandbox

import "errors"

// Executor errors. The dispatcher maps these onto the failure classes shown
// to the agent.
var (
	// ErrDisabled indicates execution is turned off in config.
	ErrDisabled = errors.New("execution is disabled")

	// ErrNotWhitelisted indicates the command's first token is not on the
	// allow-list.
	ErrNotWhitelisted = errors.New("command not allowed")

	// ErrIsolationUnavailable indicates no usable isolation backend exists.
	ErrIsolationUnavailable = errors.New("isolation backend unavailable")

	// ErrImageUnverified indicates the configured image is not on the
	// approved list. This never falls back to a weaker backend.
	ErrImageUnverified = errors.New("container image not approved")

	// ErrTimeout indicates the command hit its wall-clock ceiling and was
	// killed.
	ErrTimeout = errors.New("execution timed out")

	// ErrNotFound indicates a read target does not exist.
	ErrNotFound = errors.New("file not found")

	// ErrTooLarge indicates a file or payload exceeded its size ceiling.
	ErrTooLarge = errors.New("size limit exceeded")

	// ErrReadFailure indicates the file exists but could not be read.
	ErrReadFailure = errors.New("read failed")

	// ErrWriteFailure indicates the write pipeline failed; the original file
	// is untouched.
	ErrWriteFailure = errors.New("write failed")
)
