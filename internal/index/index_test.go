package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"repogate/internal/config"
)

// fakeEngine returns canned vectors keyed by input text so ranking tests are
// deterministic. Unknown inputs get a fixed default vector.
type fakeEngine struct {
	vectors map[string][]float32
	fail    error
	calls   int
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEngine) Dimensions() int { return 3 }
func (f *fakeEngine) Name() string    { return "fake" }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "index.db"), 3)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRoundtrip(t *testing.T) {
	s := openTestStore(t)

	rec := FileRecord{
		Path:        "pkg/a.go",
		ContentHash: "abc123",
		Embedding:   []float32{0.1, 0.2, 0.3},
		SizeBytes:   42,
		ModTime:     1700000000,
	}
	if err := s.Upsert(rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, ok, err := s.Get("pkg/a.go")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.ContentHash != "abc123" || len(got.Embedding) != 3 {
		t.Errorf("unexpected record: %+v", got)
	}

	twin, ok, err := s.FindByHash("abc123")
	if err != nil || !ok || twin.Path != "pkg/a.go" {
		t.Errorf("FindByHash: ok=%v err=%v rec=%+v", ok, err, twin)
	}

	if _, ok, _ := s.Get("missing.go"); ok {
		t.Error("Get returned a record for a missing path")
	}

	if err := s.Delete("pkg/a.go"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if n, _ := s.Count(); n != 0 {
		t.Errorf("count after delete = %d, want 0", n)
	}
}

func TestStoreDimensionGuard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := OpenStore(path, 3)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	s.Close()

	if _, err := OpenStore(path, 768); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable on dimension change, got %v", err)
	}
}

func newTestIndexer(t *testing.T, root string, engine *fakeEngine) *Indexer {
	t.Helper()
	s := openTestStore(t)
	cfg := config.IndexConfig{
		Enabled:      true,
		MaxFileBytes: 1024,
		ExcerptBytes: 1024,
		MaxResults:   10,
		PreviewLines: 3,
	}
	return NewIndexer(root, s, engine, cfg, []string{".git/**", ".repogate/**"}, 5*time.Second)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReindexIdempotent(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.go":       "package a",
		"docs/b.md":  "# readme",
		".git/HEAD":  "ref: refs/heads/main",
		"binary.dat": "junk\x00junk",
	})
	engine := &fakeEngine{}
	ix := newTestIndexer(t, root, engine)

	stats, err := ix.Reindex(context.Background())
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if stats.Embedded != 2 {
		t.Errorf("embedded = %d, want 2 (a.go, docs/b.md)", stats.Embedded)
	}
	if stats.Skipped != 1 {
		t.Errorf("skipped = %d, want 1 (binary.dat)", stats.Skipped)
	}

	// Second run with no changes must not call the embedding service.
	engine.calls = 0
	stats, err = ix.Reindex(context.Background())
	if err != nil {
		t.Fatalf("second Reindex failed: %v", err)
	}
	if stats.Embedded != 0 || stats.Unchanged != 2 {
		t.Errorf("second run: embedded=%d unchanged=%d, want 0/2", stats.Embedded, stats.Unchanged)
	}
	if engine.calls != 0 {
		t.Errorf("embedding service called %d times on unchanged tree", engine.calls)
	}
}

func TestReindexHashReuse(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "same content"})
	engine := &fakeEngine{}
	ix := newTestIndexer(t, root, engine)

	if _, err := ix.Reindex(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A copy under a new path reuses the stored vector.
	writeTree(t, root, map[string]string{"b.txt": "same content"})
	engine.calls = 0
	stats, err := ix.Reindex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Reused != 1 || engine.calls != 0 {
		t.Errorf("reused=%d calls=%d, want 1/0", stats.Reused, engine.calls)
	}
}

func TestReindexPrunesDeleted(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "aaa", "b.txt": "bbb"})
	ix := newTestIndexer(t, root, &fakeEngine{})

	if _, err := ix.Reindex(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "b.txt")); err != nil {
		t.Fatal(err)
	}

	stats, err := ix.Reindex(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pruned != 1 {
		t.Errorf("pruned = %d, want 1", stats.Pruned)
	}
	if _, ok, _ := ix.store.Get("b.txt"); ok {
		t.Error("deleted file still indexed")
	}
}

func TestReindexEmbeddingOutage(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "aaa"})
	engine := &fakeEngine{fail: errors.New("connection refused")}
	ix := newTestIndexer(t, root, engine)

	_, err := ix.Reindex(context.Background())
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestSearchRanking(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"close.go": "line1\nline2\nline3\nline4",
		"far.go":   "other",
		"mid.go":   "middle",
	})

	s := openTestStore(t)
	seed := []FileRecord{
		{Path: "close.go", ContentHash: "h1", Embedding: []float32{1, 0, 0}, SizeBytes: 23},
		{Path: "mid.go", ContentHash: "h2", Embedding: []float32{1, 1, 0}, SizeBytes: 6},
		{Path: "far.go", ContentHash: "h3", Embedding: []float32{0, 0, 1}, SizeBytes: 5},
	}
	for _, rec := range seed {
		if err := s.Upsert(rec); err != nil {
			t.Fatal(err)
		}
	}

	engine := &fakeEngine{vectors: map[string][]float32{"find close": {1, 0, 0}}}
	searcher := NewSearcher(root, s, engine, 0.5, 10, 3, 5*time.Second)

	results, err := searcher.Search(context.Background(), "find close")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	// far.go (similarity 0) is below the floor; close.go (1.0) outranks
	// mid.go (~0.707).
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	if results[0].Path != "close.go" || results[1].Path != "mid.go" {
		t.Errorf("wrong order: %s, %s", results[0].Path, results[1].Path)
	}
	if results[0].Lines != 4 {
		t.Errorf("line count = %d, want 4", results[0].Lines)
	}
	if got := strings.Count(results[0].Preview, "\n"); got != 2 {
		t.Errorf("preview should hold 3 lines, has %d newlines", got)
	}
}

func TestSearchCapsResults(t *testing.T) {
	s := openTestStore(t)
	for _, p := range []string{"a.go", "b.go", "c.go", "d.go"} {
		if err := s.Upsert(FileRecord{Path: p, ContentHash: p, Embedding: []float32{1, 0, 0}}); err != nil {
			t.Fatal(err)
		}
	}
	searcher := NewSearcher(t.TempDir(), s, &fakeEngine{}, 0.0, 2, 3, 5*time.Second)

	results, err := searcher.Search(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(results))
	}
	// Equal similarity ties break alphabetically.
	if results[0].Path != "a.go" || results[1].Path != "b.go" {
		t.Errorf("tie-break order wrong: %s, %s", results[0].Path, results[1].Path)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	searcher := NewSearcher(t.TempDir(), openTestStore(t), &fakeEngine{}, 0, 10, 3, time.Second)
	if _, err := searcher.Search(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestSearchEmbeddingOutage(t *testing.T) {
	searcher := NewSearcher(t.TempDir(), openTestStore(t),
		&fakeEngine{fail: errors.New("down")}, 0, 10, 3, time.Second)
	_, err := searcher.Search(context.Background(), "query")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestIndexFileIncremental(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "v1"})
	ix := newTestIndexer(t, root, &fakeEngine{})

	if err := ix.IndexFile(context.Background(), "a.txt"); err != nil {
		t.Fatalf("IndexFile failed: %v", err)
	}
	rec, ok, _ := ix.store.Get("a.txt")
	if !ok {
		t.Fatal("file not indexed")
	}

	// Content change updates the record.
	writeTree(t, root, map[string]string{"a.txt": "v2 changed"})
	if err := ix.IndexFile(context.Background(), "a.txt"); err != nil {
		t.Fatal(err)
	}
	rec2, _, _ := ix.store.Get("a.txt")
	if rec2.ContentHash == rec.ContentHash {
		t.Error("content hash unchanged after rewrite")
	}

	// Deletion drops the record.
	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatal(err)
	}
	if err := ix.IndexFile(context.Background(), "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := ix.store.Get("a.txt"); ok {
		t.Error("deleted file still indexed")
	}
}
