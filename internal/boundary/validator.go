// Package boundary decides whether a requested path may be touched at all.
// Every operation re-validates its path at use time; nothing here is cached
// between operations, so a symlink swapped in mid-session is still caught.
package boundary

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"repogate/internal/logging"
)

// ValidatedPath is the proof token that a path passed validation. Executors
// accept only ValidatedPath, never raw strings.
type ValidatedPath struct {
	// Requested is the path exactly as the agent wrote it.
	Requested string

	// Abs is the canonical absolute path, symlinks resolved.
	Abs string

	// Rel is the path relative to the repository root, slash-separated.
	// This is the form safe to echo back to the agent.
	Rel string
}

// Validator confines paths to a canonicalized repository root.
type Validator struct {
	root      string // absolute, symlinks resolved
	exclude   []string
	writeExts map[string]bool
}

// NewValidator canonicalizes root and returns a Validator. root must exist
// and be a directory; a broker pointed at a bad root should fail at startup,
// not per operation.
func NewValidator(root string, exclude []string, allowedWriteExtensions []string) (*Validator, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %q: %w", root, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize root %q: %w", root, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to stat root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}

	exts := make(map[string]bool, len(allowedWriteExtensions))
	for _, e := range allowedWriteExtensions {
		exts[strings.ToLower(e)] = true
	}

	return &Validator{
		root:      canonical,
		exclude:   exclude,
		writeExts: exts,
	}, nil
}

// Root returns the canonical repository root.
func (v *Validator) Root() string {
	return v.root
}

// ValidateRead checks a path for a read operation. The target does not have
// to exist; existence is the executor's concern.
func (v *Validator) ValidateRead(requested string) (ValidatedPath, error) {
	return v.validate(requested)
}

// ValidateWrite checks a path for a write operation: containment, exclusion,
// then the extension allow-list. An extensionless target is rejected.
func (v *Validator) ValidateWrite(requested string) (ValidatedPath, error) {
	vp, err := v.validate(requested)
	if err != nil {
		return ValidatedPath{}, err
	}

	ext := strings.ToLower(filepath.Ext(vp.Rel))
	if ext == "" || !v.writeExts[ext] {
		logging.Boundary("write rejected: extension %q not allowed (%s)", ext, vp.Rel)
		return ValidatedPath{}, fmt.Errorf("%q: %w", vp.Rel, ErrExtensionDenied)
	}
	return vp, nil
}

func (v *Validator) validate(requested string) (ValidatedPath, error) {
	if strings.TrimSpace(requested) == "" || strings.ContainsRune(requested, 0) {
		return ValidatedPath{}, fmt.Errorf("invalid path %q: %w", requested, ErrPathTraversal)
	}

	candidate := requested
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(v.root, candidate)
	}

	abs, err := resolveExisting(candidate)
	if err != nil {
		return ValidatedPath{}, fmt.Errorf("failed to resolve %q: %w", requested, ErrPathTraversal)
	}

	rel, err := filepath.Rel(v.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		logging.Boundary("traversal rejected: %q resolves outside root", requested)
		return ValidatedPath{}, fmt.Errorf("%q: %w", requested, ErrPathTraversal)
	}

	slashRel := filepath.ToSlash(rel)
	for _, pattern := range v.exclude {
		if ok, _ := doublestar.Match(pattern, slashRel); ok {
			logging.Boundary("excluded: %q matches %q", slashRel, pattern)
			return ValidatedPath{}, fmt.Errorf("%q: %w", slashRel, ErrExcludedPath)
		}
	}

	logging.BoundaryDebug("validated %q -> %s", requested, slashRel)
	return ValidatedPath{Requested: requested, Abs: abs, Rel: slashRel}, nil
}

// resolveExisting canonicalizes path even when it does not exist yet: the
// deepest existing ancestor has its symlinks resolved, then the nonexistent
// remainder is joined back on. This keeps a write to a brand-new file inside
// a symlinked directory honest about where it really lands.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	var suffix []string
	current := filepath.Clean(path)
	for {
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("no existing ancestor for %q", path)
		}
		suffix = append(suffix, filepath.Base(current))
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		current = parent
	}
}
