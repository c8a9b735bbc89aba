// Package index maintains the embedding-backed similarity index and answers
// search operations against it. Indexing is incremental: unchanged files are
// recognized by content hash and never re-embedded, and identical content at
// a new path reuses the existing vector.
package index

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"repogate/internal/config"
	"repogate/internal/embedding"
	"repogate/internal/logging"
)

// sniffLen is how many leading bytes are checked for a NUL to classify a
// file as binary.
const sniffLen = 8000

// Indexer walks the repository and keeps the store in sync with it.
type Indexer struct {
	root    string
	store   *Store
	engine  embedding.Engine
	cfg     config.IndexConfig
	exclude []string
	timeout time.Duration
}

// NewIndexer returns an Indexer rooted at root. exclude shares the boundary
// exclusion patterns: what cannot be read must not be searchable either.
func NewIndexer(root string, store *Store, engine embedding.Engine,
	cfg config.IndexConfig, exclude []string, embedTimeout time.Duration) *Indexer {
	return &Indexer{
		root:    root,
		store:   store,
		engine:  engine,
		cfg:     cfg,
		exclude: exclude,
		timeout: embedTimeout,
	}
}

// Stats summarizes one indexing run.
type Stats struct {
	Scanned   int // candidate files seen
	Embedded  int // files sent to the embedding service
	Reused    int // embeddings reused via content hash
	Unchanged int // files already indexed with the same content
	Skipped   int // binary or oversized files
	Pruned    int // records whose files no longer exist
}

// candidate is one file that survived the walk filters.
type candidate struct {
	rel    string
	abs    string
	size   int64
	mtime  int64
	hash   string
	binary bool
}

// Reindex brings the store in sync with the tree. Hashing runs on a worker
// pool; embedding calls are sequential because the service is the bottleneck
// and ordering keeps runs reproducible. Progress is durable per file, so an
// aborted run resumes where it left off.
func (ix *Indexer) Reindex(ctx context.Context) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryIndex, "Reindex")
	defer timer.Stop()

	var stats Stats

	candidates, err := ix.collect()
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(candidates)
	logging.Index("Reindex: %d candidate files", len(candidates))

	if err := ix.hashAll(ctx, candidates); err != nil {
		return stats, err
	}

	seen := make(map[string]bool, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		seen[c.rel] = true

		if c.binary {
			stats.Skipped++
			continue
		}

		existing, ok, err := ix.store.Get(c.rel)
		if err != nil {
			return stats, err
		}
		if ok && existing.ContentHash == c.hash {
			stats.Unchanged++
			continue
		}

		// Same content under another path: reuse its vector.
		if twin, ok, err := ix.store.FindByHash(c.hash); err != nil {
			return stats, err
		} else if ok {
			if err := ix.store.Upsert(FileRecord{
				Path:        c.rel,
				ContentHash: c.hash,
				Embedding:   twin.Embedding,
				SizeBytes:   c.size,
				ModTime:     c.mtime,
			}); err != nil {
				return stats, err
			}
			stats.Reused++
			continue
		}

		if err := ix.embedAndStore(ctx, c); err != nil {
			return stats, err
		}
		stats.Embedded++
	}

	pruned, err := ix.prune(seen)
	if err != nil {
		return stats, err
	}
	stats.Pruned = pruned

	logging.Index("Reindex done: embedded=%d reused=%d unchanged=%d skipped=%d pruned=%d",
		stats.Embedded, stats.Reused, stats.Unchanged, stats.Skipped, stats.Pruned)
	return stats, nil
}

// IndexFile (re)indexes a single repository-relative path. Used by the
// watcher for incremental updates.
func (ix *Indexer) IndexFile(ctx context.Context, rel string) error {
	if ix.excluded(rel) {
		return nil
	}
	abs := filepath.Join(ix.root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return ix.store.Delete(rel)
		}
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	if !info.Mode().IsRegular() || info.Size() > ix.cfg.MaxFileBytes {
		return nil
	}

	c := candidate{rel: rel, abs: abs, size: info.Size(), mtime: info.ModTime().Unix()}
	if err := hashFile(&c); err != nil {
		return err
	}
	if c.binary {
		return nil
	}

	if existing, ok, err := ix.store.Get(rel); err != nil {
		return err
	} else if ok && existing.ContentHash == c.hash {
		return nil
	}
	if twin, ok, err := ix.store.FindByHash(c.hash); err != nil {
		return err
	} else if ok {
		return ix.store.Upsert(FileRecord{
			Path:        c.rel,
			ContentHash: c.hash,
			Embedding:   twin.Embedding,
			SizeBytes:   c.size,
			ModTime:     c.mtime,
		})
	}
	return ix.embedAndStore(ctx, &c)
}

// Remove drops a path from the index.
func (ix *Indexer) Remove(rel string) error {
	return ix.store.Delete(rel)
}

// collect walks the tree and returns candidates in path order.
func (ix *Indexer) collect() ([]candidate, error) {
	var out []candidate
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.IndexWarn("walk error at %s: %v", path, err)
			return nil
		}
		rel, rerr := filepath.Rel(ix.root, path)
		if rerr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ix.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || ix.excluded(rel) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		if info.Size() > ix.cfg.MaxFileBytes {
			logging.IndexDebug("skipping %s: %d bytes over ceiling", rel, info.Size())
			return nil
		}
		out = append(out, candidate{
			rel:   rel,
			abs:   path,
			size:  info.Size(),
			mtime: info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rel < out[j].rel })
	return out, nil
}

// excluded matches a repository-relative path against the exclusion
// patterns. Directory prefixes are matched too so excluded trees are pruned
// from the walk entirely.
func (ix *Indexer) excluded(rel string) bool {
	for _, pattern := range ix.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// ".git/**" should prune the ".git" directory itself.
		if dir, found := strings.CutSuffix(pattern, "/**"); found && rel == dir {
			return true
		}
	}
	return false
}

// hashAll fills in hash and binary flags on a worker pool.
func (ix *Indexer) hashAll(ctx context.Context, candidates []candidate) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	var mu sync.Mutex
	var firstErr error
	for i := range candidates {
		c := &candidates[i]
		g.Go(func() error {
			if err := hashFile(c); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				c.binary = true // drop it from this run
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if firstErr != nil {
		logging.IndexWarn("some files could not be hashed: %v", firstErr)
	}
	return nil
}

// hashFile streams the file through sha256 and sniffs the first bytes for a
// NUL to classify binaries.
func hashFile(c *candidate) error {
	f, err := os.Open(c.abs)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", c.rel, err)
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("failed to read %s: %w", c.rel, err)
	}
	head = head[:n]
	c.binary = bytes.IndexByte(head, 0) >= 0

	h := sha256.New()
	h.Write(head)
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash %s: %w", c.rel, err)
	}
	c.hash = hex.EncodeToString(h.Sum(nil))
	return nil
}

// embedAndStore reads the file's excerpt, embeds it and persists the record.
func (ix *Indexer) embedAndStore(ctx context.Context, c *candidate) error {
	excerpt, err := readExcerpt(c.abs, ix.cfg.ExcerptBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	embedCtx, cancel := context.WithTimeout(ctx, ix.timeout)
	defer cancel()

	vec, err := ix.engine.Embed(embedCtx, excerpt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	return ix.store.Upsert(FileRecord{
		Path:        c.rel,
		ContentHash: c.hash,
		Embedding:   vec,
		SizeBytes:   c.size,
		ModTime:     c.mtime,
	})
}

// readExcerpt returns up to limit leading bytes of the file, which is the
// text that gets embedded.
func readExcerpt(abs string, limit int) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// prune deletes records whose files vanished since the last run.
func (ix *Indexer) prune(seen map[string]bool) (int, error) {
	indexed, err := ix.store.Paths()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for path := range indexed {
		if !seen[path] {
			if err := ix.store.Delete(path); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}
