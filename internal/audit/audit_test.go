package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSinkWritesJSONL(t *testing.T) {
	root := t.TempDir()
	sink, err := NewFileSink(root)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	sink.Record(Entry{
		Timestamp: time.Now().UnixMilli(),
		RequestID: "req-1",
		Kind:      "read",
		Target:    "README.md",
		Success:   true,
		Elapsed:   3,
	})
	sink.Record(Entry{
		Timestamp: time.Now().UnixMilli(),
		RequestID: "req-2",
		Kind:      "write",
		Target:    "../escape.txt",
		Success:   false,
		Code:      "PathTraversal",
		Detail:    "path escapes repository root",
	})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(root, ".repogate", "audit", "*_audit.jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one audit file, got %v (err=%v)", matches, err)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid JSONL line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !entries[0].Success || entries[0].Kind != "read" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Success || entries[1].Code != "PathTraversal" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestFileSinkRecordAfterClose(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Must not panic on a closed channel.
	sink.Record(Entry{Kind: "read"})
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestMemorySinkCopies(t *testing.T) {
	sink := NewMemorySink()
	sink.Record(Entry{RequestID: "a"})
	got := sink.Entries()
	sink.Record(Entry{RequestID: "b"})
	if len(got) != 1 {
		t.Fatalf("snapshot should not grow, got %d entries", len(got))
	}
	if len(sink.Entries()) != 2 {
		t.Fatalf("expected 2 recorded entries, got %d", len(sink.Entries()))
	}
}
