package boundary

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestValidator(t *testing.T, root string) *Validator {
	t.Helper()
	v, err := NewValidator(root,
		[]string{".git/**", ".repogate/**", "secrets/**"},
		[]string{".go", ".txt", ".md"})
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}
	return v
}

func TestValidateReadContained(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	v := newTestValidator(t, root)

	vp, err := v.ValidateRead("README.md")
	if err != nil {
		t.Fatalf("ValidateRead failed: %v", err)
	}
	if vp.Rel != "README.md" {
		t.Errorf("rel = %q, want README.md", vp.Rel)
	}
	if !filepath.IsAbs(vp.Abs) {
		t.Errorf("abs path not absolute: %q", vp.Abs)
	}
}

func TestValidateDotDotEscape(t *testing.T) {
	v := newTestValidator(t, t.TempDir())
	_, err := v.ValidateRead("../../etc/passwd")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
}

func TestValidateAbsoluteEscape(t *testing.T) {
	v := newTestValidator(t, t.TempDir())
	_, err := v.ValidateRead("/etc/passwd")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
}

func TestValidateDotDotStaysInside(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "file.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	v := newTestValidator(t, root)

	// a/b/../file.txt never leaves the root and must pass.
	vp, err := v.ValidateRead("a/b/../file.txt")
	if err != nil {
		t.Fatalf("contained .. rejected: %v", err)
	}
	if vp.Rel != "a/file.txt" {
		t.Errorf("rel = %q, want a/file.txt", vp.Rel)
	}
}

func TestValidateSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	v := newTestValidator(t, root)

	_, err := v.ValidateRead("link/secret.txt")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("symlink escape not caught: %v", err)
	}
}

func TestValidateSymlinkedDirNewFile(t *testing.T) {
	// A write to a nonexistent file inside a symlinked directory resolves
	// through the deepest existing ancestor.
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	v := newTestValidator(t, root)

	_, err := v.ValidateWrite("link/new.txt")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("write through escaping symlink not caught: %v", err)
	}
}

func TestValidateExcluded(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ".git", "config"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	v := newTestValidator(t, root)

	_, err := v.ValidateRead(".git/config")
	if !errors.Is(err, ErrExcludedPath) {
		t.Fatalf("expected ErrExcludedPath, got %v", err)
	}
	_, err = v.ValidateRead("secrets/key.txt")
	if !errors.Is(err, ErrExcludedPath) {
		t.Fatalf("expected ErrExcludedPath for nonexistent excluded path, got %v", err)
	}
}

func TestValidateWriteExtension(t *testing.T) {
	v := newTestValidator(t, t.TempDir())

	if _, err := v.ValidateWrite("notes.txt"); err != nil {
		t.Errorf("allowed extension rejected: %v", err)
	}
	if _, err := v.ValidateWrite("tool.exe"); !errors.Is(err, ErrExtensionDenied) {
		t.Errorf("expected ErrExtensionDenied for .exe, got %v", err)
	}
	if _, err := v.ValidateWrite("Makefile"); !errors.Is(err, ErrExtensionDenied) {
		t.Errorf("expected ErrExtensionDenied for extensionless target, got %v", err)
	}
}

func TestValidateWriteNewFileNewDirs(t *testing.T) {
	v := newTestValidator(t, t.TempDir())

	vp, err := v.ValidateWrite("deep/nested/dir/new.go")
	if err != nil {
		t.Fatalf("nonexistent nested write target rejected: %v", err)
	}
	if vp.Rel != "deep/nested/dir/new.go" {
		t.Errorf("rel = %q", vp.Rel)
	}
}

func TestValidateEmptyPath(t *testing.T) {
	v := newTestValidator(t, t.TempDir())
	if _, err := v.ValidateRead("   "); !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal for blank path, got %v", err)
	}
}

func TestNewValidatorBadRoot(t *testing.T) {
	if _, err := NewValidator("/nonexistent/repogate-test-root", nil, nil); err == nil {
		t.Fatal("expected error for missing root")
	}
}
