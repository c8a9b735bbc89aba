package boundary

import "errors"

// Validation errors. Each maps to one rejection class surfaced to the agent.
var (
	// ErrPathTraversal indicates the resolved path lands outside the
	// repository root, whether via "..", an absolute path or a symlink.
	ErrPathTraversal = errors.New("path escapes repository root")

	// ErrExcludedPath indicates the path matched an exclusion pattern.
	ErrExcludedPath = errors.New("path is excluded")

	// ErrExtensionDenied indicates a write target's extension is not on the
	// allow-list.
	ErrExtensionDenied = errors.New("file extension not allowed for writes")
)
