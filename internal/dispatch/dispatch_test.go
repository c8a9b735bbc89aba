package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"repogate/internal/audit"
	"repogate/internal/boundary"
	"repogate/internal/command"
	"repogate/internal/config"
	"repogate/internal/index"
	"repogate/internal/sandbox"
)

// stubSearcher returns canned results or a canned error.
type stubSearcher struct {
	results []index.SearchResult
	err     error
	lastQ   string
}

func (s *stubSearcher) Search(_ context.Context, query string) ([]index.SearchResult, error) {
	s.lastQ = query
	return s.results, s.err
}

type harness struct {
	d    *Dispatcher
	root string
	sink *audit.MemorySink
}

func newHarness(t *testing.T, searcher Searcher) *harness {
	t.Helper()
	root := t.TempDir()

	v, err := boundary.NewValidator(root,
		[]string{".git/**", ".repogate/**"},
		[]string{".go", ".txt", ".md", ".json"})
	if err != nil {
		t.Fatal(err)
	}

	scfg := config.SandboxConfig{
		Enabled:         true,
		AllowedCommands: []string{"echo", "sleep", "cat", "false"},
		Timeout:         config.Duration(300 * time.Millisecond),
		GracePeriod:     config.Duration(100 * time.Millisecond),
		MaxOutputBytes:  64 * 1024,
	}
	limits := config.LimitsConfig{
		MaxBodyBytes:  1 << 20,
		MaxReadBytes:  1 << 20,
		MaxWriteBytes: 1 << 20,
	}
	executor := sandbox.NewExecutor(v.Root(), scfg, limits, sandbox.NewProcessBackend())

	sink := audit.NewMemorySink()
	return &harness{
		d:    New(v, executor, searcher, sink, limits.MaxBodyBytes),
		root: root,
		sink: sink,
	}
}

func (h *harness) process(t *testing.T, input string) []Outcome {
	t.Helper()
	outcomes, err := h.d.Process(context.Background(), strings.NewReader(input))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	return outcomes
}

func TestDispatchRead(t *testing.T) {
	h := newHarness(t, nil)
	if err := os.WriteFile(filepath.Join(h.root, "README.md"), []byte("# hello\n"), 0644); err != nil {
		t.Fatal(err)
	}

	outcomes := h.process(t, "Let me look. <open README.md> Done.")
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	out := outcomes[0]
	if !out.Success || out.Content != "# hello\n" {
		t.Errorf("outcome: %+v", out)
	}

	entries := h.sink.Entries()
	if len(entries) != 1 || !entries[0].Success || entries[0].Kind != "read" {
		t.Errorf("audit entries: %+v", entries)
	}
}

func TestDispatchWriteThenRead(t *testing.T) {
	h := newHarness(t, nil)

	outcomes := h.process(t, "<write notes.txt>hello</write><open notes.txt>")
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].Success {
		t.Fatalf("write failed: %+v", outcomes[0])
	}
	// Sequential processing: the read sees the write that preceded it.
	if !outcomes[1].Success || outcomes[1].Content != "hello" {
		t.Errorf("read after write: %+v", outcomes[1])
	}

	data, err := os.ReadFile(filepath.Join(h.root, "notes.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("file on disk: %q err=%v", data, err)
	}
}

func TestDispatchTraversalRejected(t *testing.T) {
	h := newHarness(t, nil)

	outcomes := h.process(t, "<open ../../etc/passwd>")
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	out := outcomes[0]
	if out.Success || out.Code != CodePathTraversal {
		t.Errorf("outcome: %+v", out)
	}
	if strings.Contains(out.Message, h.root) {
		t.Errorf("message leaks absolute root: %q", out.Message)
	}

	entries := h.sink.Entries()
	if len(entries) != 1 || entries[0].Code != CodePathTraversal {
		t.Errorf("audit entries: %+v", entries)
	}
}

func TestDispatchWriteExtensionDenied(t *testing.T) {
	h := newHarness(t, nil)
	outcomes := h.process(t, "<write payload.exe>MZ</write>")
	if outcomes[0].Success || outcomes[0].Code != CodeExtensionDenied {
		t.Errorf("outcome: %+v", outcomes[0])
	}
	if _, err := os.Stat(filepath.Join(h.root, "payload.exe")); !os.IsNotExist(err) {
		t.Error("rejected write created the file")
	}
}

func TestDispatchExecTimeout(t *testing.T) {
	h := newHarness(t, nil)

	outcomes := h.process(t, "<exec sleep 100>")
	out := outcomes[0]
	if out.Success || out.Code != CodeTimeout {
		t.Fatalf("outcome: %+v", out)
	}
	if out.Execution == nil || out.Execution.Phase != sandbox.PhaseTimedOut {
		t.Errorf("execution detail: %+v", out.Execution)
	}
}

func TestDispatchExecNonZeroExitIsSuccess(t *testing.T) {
	h := newHarness(t, nil)

	outcomes := h.process(t, "<exec false>")
	out := outcomes[0]
	if !out.Success {
		t.Fatalf("non-zero exit reported as broker failure: %+v", out)
	}
	if out.Execution.ExitCode == 0 {
		t.Errorf("exit code = 0, want non-zero")
	}
}

func TestDispatchExecNotWhitelisted(t *testing.T) {
	h := newHarness(t, nil)
	outcomes := h.process(t, "<exec rm -rf .>")
	if outcomes[0].Success || outcomes[0].Code != CodeNotWhitelisted {
		t.Errorf("outcome: %+v", outcomes[0])
	}
}

func TestDispatchSearch(t *testing.T) {
	searcher := &stubSearcher{results: []index.SearchResult{
		{Path: "a.go", Similarity: 0.9},
	}}
	h := newHarness(t, searcher)

	outcomes := h.process(t, "<search error handling>")
	out := outcomes[0]
	if !out.Success || len(out.Results) != 1 || out.Results[0].Path != "a.go" {
		t.Errorf("outcome: %+v", out)
	}
	if searcher.lastQ != "error handling" {
		t.Errorf("query = %q", searcher.lastQ)
	}
}

func TestDispatchSearchNoHitsStillSucceeds(t *testing.T) {
	h := newHarness(t, &stubSearcher{})
	outcomes := h.process(t, "<search nothing matches this>")
	if !outcomes[0].Success || len(outcomes[0].Results) != 0 {
		t.Errorf("outcome: %+v", outcomes[0])
	}
}

func TestDispatchSearchDisabled(t *testing.T) {
	h := newHarness(t, nil)
	outcomes := h.process(t, "<search anything>")
	if outcomes[0].Success || outcomes[0].Code != CodeSearchDisabled {
		t.Errorf("outcome: %+v", outcomes[0])
	}
}

func TestDispatchSearchEmbeddingOutage(t *testing.T) {
	h := newHarness(t, &stubSearcher{err: index.ErrEmbeddingUnavailable})
	outcomes := h.process(t, "<search anything>")
	if outcomes[0].Code != CodeEmbeddingUnavailable {
		t.Errorf("outcome: %+v", outcomes[0])
	}
}

func TestDispatchParseFailureStillAudited(t *testing.T) {
	h := newHarness(t, nil)

	outcomes := h.process(t, "<write broken.txt>never closed")
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Success || outcomes[0].Code != CodeParseIncomplete {
		t.Errorf("outcome: %+v", outcomes[0])
	}
	if len(h.sink.Entries()) != 1 {
		t.Errorf("parse failure missing from audit trail")
	}
}

func TestDispatchOneOutcomePerOperation(t *testing.T) {
	h := newHarness(t, &stubSearcher{})
	if err := os.WriteFile(filepath.Join(h.root, "a.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	input := "<open a.txt> prose <open missing.txt> more <search q> tail <exec echo hi>"
	outcomes := h.process(t, input)
	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outcomes))
	}
	if len(h.sink.Entries()) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(h.sink.Entries()))
	}
	// Source order is preserved.
	wantKinds := []command.Kind{command.KindRead, command.KindRead, command.KindSearch, command.KindExecute}
	for i, out := range outcomes {
		if out.Kind != wantKinds[i] {
			t.Errorf("outcome %d kind = %s, want %s", i, out.Kind, wantKinds[i])
		}
		if out.RequestID == "" {
			t.Errorf("outcome %d has no request id", i)
		}
	}
	if outcomes[1].Code != CodeNotFound {
		t.Errorf("missing file read: %+v", outcomes[1])
	}
}

func TestDispatchPlainProseNoOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	outcomes := h.process(t, "Just thinking out loud, no directives here. a < b.")
	if len(outcomes) != 0 {
		t.Errorf("expected no outcomes, got %+v", outcomes)
	}
	if len(h.sink.Entries()) != 0 {
		t.Errorf("prose produced audit entries")
	}
}

func TestDispatchClassifyUnknown(t *testing.T) {
	h := newHarness(t, nil)
	code, _ := h.d.classify(errors.New("mystery"))
	if code != CodeInternal {
		t.Errorf("code = %s, want Internal", code)
	}
}
