package index

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"repogate/internal/embedding"
	"repogate/internal/logging"
)

// SearchResult is one ranked hit.
type SearchResult struct {
	// Path is repository-relative.
	Path string `json:"path"`

	// Similarity is the cosine similarity to the query, in [-1, 1].
	Similarity float64 `json:"similarity"`

	// Preview holds the file's leading lines.
	Preview string `json:"preview"`

	// Lines is the total line count of the file at preview time.
	Lines int `json:"lines"`

	// SizeBytes is the file size recorded at index time.
	SizeBytes int64 `json:"size_bytes"`
}

// Searcher answers similarity queries against the store.
type Searcher struct {
	root          string
	store         *Store
	engine        embedding.Engine
	minSimilarity float64
	maxResults    int
	previewLines  int
	timeout       time.Duration
}

// NewSearcher wires a Searcher over an open store and engine.
func NewSearcher(root string, store *Store, engine embedding.Engine,
	minSimilarity float64, maxResults, previewLines int, embedTimeout time.Duration) *Searcher {
	return &Searcher{
		root:          root,
		store:         store,
		engine:        engine,
		minSimilarity: minSimilarity,
		maxResults:    maxResults,
		previewLines:  previewLines,
		timeout:       embedTimeout,
	}
}

// Search ranks indexed files by similarity to the query. The embedding
// service is probed first so an outage surfaces as ErrEmbeddingUnavailable
// instead of masquerading as "no matches". An empty result list is a
// successful outcome.
func (s *Searcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Search")
	defer timer.Stop()

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("empty query")
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if hc, ok := s.engine.(embedding.HealthChecker); ok {
		if err := hc.HealthCheck(embedCtx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
	}

	probe, err := s.engine.Embed(embedCtx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	records, err := s.store.All()
	if err != nil {
		return nil, err
	}
	logging.IndexDebug("Search: scanning %d records for %q", len(records), query)

	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		sim, err := embedding.CosineSimilarity(probe, rec.Embedding)
		if err != nil {
			logging.IndexWarn("skipping %s: %v", rec.Path, err)
			continue
		}
		if sim < s.minSimilarity {
			continue
		}
		results = append(results, SearchResult{
			Path:       rec.Path,
			Similarity: sim,
			SizeBytes:  rec.SizeBytes,
		})
	}

	// Rank by similarity; ties break alphabetically so runs are stable.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Path < results[j].Path
	})
	if len(results) > s.maxResults {
		results = results[:s.maxResults]
	}

	for i := range results {
		preview, lines, err := readPreview(filepath.Join(s.root, results[i].Path), s.previewLines)
		if err != nil {
			// The file may have vanished since indexing; the hit still stands.
			logging.IndexDebug("preview unavailable for %s: %v", results[i].Path, err)
			continue
		}
		results[i].Preview = preview
		results[i].Lines = lines
	}

	logging.Index("Search %q: %d hits", query, len(results))
	return results, nil
}

// readPreview returns the first n lines of the file and its total line
// count.
func readPreview(abs string, n int) (string, int, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	var preview []string
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
		if lines <= n {
			preview = append(preview, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	return strings.Join(preview, "\n"), lines, nil
}
