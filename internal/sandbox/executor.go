package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"repogate/internal/boundary"
	"repogate/internal/config"
	"repogate/internal/logging"
)

// Executor performs reads, writes and command runs against the repository.
// Writes are serialized per path, backed up first and landed atomically, so
// a failed write never leaves a half-written file behind.
type Executor struct {
	root    string
	cfg     config.SandboxConfig
	limits  config.LimitsConfig
	backend Backend
	allowed map[string]bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewExecutor wires an Executor over the chosen backend. backend may be nil
// when execution is disabled.
func NewExecutor(root string, cfg config.SandboxConfig, limits config.LimitsConfig, backend Backend) *Executor {
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[c] = true
	}
	return &Executor{
		root:    root,
		cfg:     cfg,
		limits:  limits,
		backend: backend,
		allowed: allowed,
		locks:   make(map[string]*sync.Mutex),
	}
}

// =============================================================================
// READ
// =============================================================================

// Read returns the contents of a validated path, subject to the read size
// ceiling.
func (e *Executor) Read(vp boundary.ValidatedPath) (string, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "Read "+vp.Rel)
	defer timer.Stop()

	info, err := os.Stat(vp.Abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s: %w", vp.Rel, ErrNotFound)
		}
		return "", fmt.Errorf("%s: %w: %v", vp.Rel, ErrReadFailure, err)
	}
	// FIFOs and devices would block the read forever; only regular files
	// are served.
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file: %w", vp.Rel, ErrReadFailure)
	}
	if info.Size() > e.limits.MaxReadBytes {
		return "", fmt.Errorf("%s is %d bytes (limit %d): %w",
			vp.Rel, info.Size(), e.limits.MaxReadBytes, ErrTooLarge)
	}

	data, err := os.ReadFile(vp.Abs)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", vp.Rel, ErrReadFailure, err)
	}
	logging.Sandbox("read %s (%d bytes)", vp.Rel, len(data))
	return string(data), nil
}

// =============================================================================
// WRITE
// =============================================================================

// Write lands content at a validated path: format, back up the existing
// file, then write a temp file and rename it into place. The rename is the
// only step that touches the target, so any earlier failure leaves it
// intact.
func (e *Executor) Write(vp boundary.ValidatedPath, content string) error {
	timer := logging.StartTimer(logging.CategorySandbox, "Write "+vp.Rel)
	defer timer.Stop()

	if int64(len(content)) > e.limits.MaxWriteBytes {
		return fmt.Errorf("content is %d bytes (limit %d): %w",
			len(content), e.limits.MaxWriteBytes, ErrTooLarge)
	}

	content = formatContent(vp.Rel, content)

	lock := e.pathLock(vp.Rel)
	lock.Lock()
	defer lock.Unlock()

	// Separate CLI invocations writing the same path coordinate through an
	// advisory file lock; the mutex above only serializes this process.
	flock, err := acquireFileLock(e.root, vp.Rel)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}
	defer flock.release()

	mode := os.FileMode(0644)
	if info, err := os.Stat(vp.Abs); err == nil {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s is not a regular file: %w", vp.Rel, ErrWriteFailure)
		}
		mode = info.Mode().Perm()
		if err := e.backup(vp); err != nil {
			return fmt.Errorf("%s: backup failed, aborting write: %w", vp.Rel, err)
		}
	}

	dir := filepath.Dir(vp.Abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}

	tmp, err := os.CreateTemp(dir, ".repogate-*")
	if err != nil {
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.WriteString(content); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}
	if err := renameFile(tmpName, vp.Abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w: %v", vp.Rel, ErrWriteFailure, err)
	}

	logging.Sandbox("wrote %s (%d bytes)", vp.Rel, len(content))
	return nil
}

// backup copies the current file into .repogate/backups with a timestamped
// name before it is replaced.
func (e *Executor) backup(vp boundary.ValidatedPath) error {
	data, err := os.ReadFile(vp.Abs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	dir := filepath.Join(e.root, ".repogate", "backups")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	name := fmt.Sprintf("%s.%s.bak",
		strings.ReplaceAll(vp.Rel, "/", "__"),
		time.Now().Format("20060102-150405.000"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	logging.SandboxDebug("backed up %s -> %s", vp.Rel, name)
	return nil
}

// CleanupBackups removes backups older than maxAge and returns how many
// were deleted.
func (e *Executor) CleanupBackups(maxAge time.Duration) (int, error) {
	dir := filepath.Join(e.root, ".repogate", "backups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	logging.Sandbox("backup cleanup: removed %d files older than %s", removed, maxAge)
	return removed, nil
}

// renameFile lands the temp file on the target. A variable so the failure
// path between temp creation and rename can be exercised in tests.
var renameFile = os.Rename

// fileLock is an advisory OS lock held for the backup+write sequence.
type fileLock struct {
	f *os.File
}

// acquireFileLock takes an exclusive flock on a per-path lock file under
// .repogate/locks, blocking until any other process releases it.
func acquireFileLock(root, rel string) (*fileLock, error) {
	dir := filepath.Join(root, ".repogate", "locks")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := strings.ReplaceAll(rel, "/", "__") + ".lock"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	_ = l.f.Close()
}

// pathLock returns the mutex serializing writes to one relative path.
func (e *Executor) pathLock(rel string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	if l, ok := e.locks[rel]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[rel] = l
	return l
}

// formatContent runs the formatter matching the file type. Content that the
// formatter rejects is written as-is; the agent asked for this text and a
// broken draft is still more useful than a rejected write.
func formatContent(rel, content string) string {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".go":
		formatted, err := format.Source([]byte(content))
		if err != nil {
			logging.SandboxWarn("gofmt failed for %s, writing unformatted: %v", rel, err)
			return content
		}
		return string(formatted)
	case ".json":
		var buf strings.Builder
		var compact json.RawMessage
		if err := json.Unmarshal([]byte(content), &compact); err != nil {
			logging.SandboxWarn("invalid JSON for %s, writing unformatted: %v", rel, err)
			return content
		}
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(compact); err != nil {
			return content
		}
		return buf.String()
	default:
		return content
	}
}

// =============================================================================
// EXECUTE
// =============================================================================

// Execute runs a command line under isolation. The first token of every
// shell segment must be on the allow-list; metacharacters route the line
// through sh -c inside the sandbox, plain commands run as a direct argv.
func (e *Executor) Execute(ctx context.Context, commandLine, stdin string) (*ExecutionResult, error) {
	if !e.cfg.Enabled {
		return nil, ErrDisabled
	}
	if e.backend == nil {
		return nil, ErrIsolationUnavailable
	}

	tokens, err := shellwords.Parse(commandLine)
	if err != nil || len(tokens) == 0 {
		return nil, fmt.Errorf("cannot parse command %q: %w", commandLine, ErrNotWhitelisted)
	}
	if err := e.checkWhitelist(commandLine); err != nil {
		return nil, err
	}

	req := NewExecutionRequest(tokens[0], tokens[1:], e.root, ResourceLimits{
		Timeout:        e.cfg.Timeout.Std(),
		GracePeriod:    e.cfg.GracePeriod.Std(),
		MaxMemoryBytes: e.cfg.MaxMemoryBytes,
		CPULimit:       e.cfg.CPULimit,
		MaxProcesses:   e.cfg.MaxProcesses,
		MaxOutputBytes: e.cfg.MaxOutputBytes,
	})
	req.Stdin = stdin
	if hasShellMeta(commandLine) {
		req.Shell = commandLine
	}

	logging.Sandbox("executing request %s: %s (backend=%s)", req.RequestID, commandLine, e.backend.Name())
	timer := logging.StartTimer(logging.CategorySandbox, "Execute "+tokens[0])
	defer timer.Stop()

	result, err := e.backend.Run(ctx, req)
	if err != nil {
		logging.SandboxError("request %s failed: %v", req.RequestID, err)
		return result, err
	}

	logging.Sandbox("request %s finished: phase=%s exit=%d elapsed=%s",
		req.RequestID, result.Phase, result.ExitCode, result.Elapsed)
	return result, nil
}

// checkWhitelist validates the first token of every segment in the command
// line, so "ls; badcmd" cannot smuggle badcmd in behind an allowed prefix.
func (e *Executor) checkWhitelist(commandLine string) error {
	for _, segment := range splitSegments(commandLine) {
		tokens, err := shellwords.Parse(segment)
		if err != nil {
			// A segment the parser cannot make sense of is rejected outright
			// rather than waved through.
			return fmt.Errorf("cannot parse command segment %q: %w", segment, ErrNotWhitelisted)
		}
		if len(tokens) == 0 {
			continue
		}
		binary := filepath.Base(tokens[0])
		if !e.allowed[binary] {
			logging.SandboxWarn("rejected non-whitelisted command: %s", binary)
			return fmt.Errorf("%q: %w", binary, ErrNotWhitelisted)
		}
	}
	return nil
}

// splitSegments breaks a command line at pipes, separators and logical
// operators.
func splitSegments(commandLine string) []string {
	replaced := commandLine
	for _, sep := range []string{"&&", "||", "|", ";"} {
		replaced = strings.ReplaceAll(replaced, sep, "\x00")
	}
	var out []string
	for _, seg := range strings.Split(replaced, "\x00") {
		if s := strings.TrimSpace(seg); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// hasShellMeta reports whether the command line needs shell interpretation.
func hasShellMeta(commandLine string) bool {
	return strings.ContainsAny(commandLine, "|&;<>$`*?(){}")
}
