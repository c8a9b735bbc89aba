package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitializeDisabledWritesNothing(t *testing.T) {
	root := t.TempDir()
	if err := Initialize(root, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Command("this should go nowhere")
	if _, err := os.Stat(filepath.Join(root, ".repogate", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory created in production mode")
	}
}

func TestInitializeDebugWritesCategoryFiles(t *testing.T) {
	root := t.TempDir()
	if err := Initialize(root, Options{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Sandbox("ran %s", "echo hi")
	BoundaryDebug("checked %s", "a.txt")
	CloseAll()

	matches, err := filepath.Glob(filepath.Join(root, ".repogate", "logs", "*_sandbox.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one sandbox log, got %v (err=%v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "ran echo hi") {
		t.Errorf("log missing entry: %q", data)
	}
}

func TestCategoryFiltering(t *testing.T) {
	root := t.TempDir()
	err := Initialize(root, Options{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"index": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if IsCategoryEnabled(CategoryIndex) {
		t.Error("disabled category reported enabled")
	}
	if !IsCategoryEnabled(CategorySandbox) {
		t.Error("unlisted category should default to enabled")
	}

	Index("suppressed")
	CloseAll()
	matches, _ := filepath.Glob(filepath.Join(root, ".repogate", "logs", "*_index.log"))
	if len(matches) != 0 {
		t.Errorf("disabled category wrote a file: %v", matches)
	}
}
