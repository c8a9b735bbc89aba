package index

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"repogate/internal/logging"
)

// Watcher keeps the index current while a session runs. Filesystem events
// are debounced per path so an editor's write-rename dance triggers one
// reindex, not five.
type Watcher struct {
	indexer  *Indexer
	root     string
	debounce time.Duration
}

// NewWatcher returns a Watcher driving the given indexer.
func NewWatcher(indexer *Indexer, root string) *Watcher {
	return &Watcher{
		indexer:  indexer,
		root:     root,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches the repository until ctx is cancelled. Directories are watched
// recursively; new directories are added as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}
	logging.Index("Watching %s for changes", w.root)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			rel, rerr := filepath.Rel(w.root, ev.Name)
			if rerr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if w.indexer.excluded(rel) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, serr := os.Stat(ev.Name); serr == nil && info.IsDir() {
					if err := w.addRecursive(fw, ev.Name); err != nil {
						logging.IndexWarn("failed to watch new directory %s: %v", rel, err)
					}
					continue
				}
			}
			pending[rel] = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.IndexWarn("watch error: %v", err)

		case now := <-ticker.C:
			for rel, stamp := range pending {
				if now.Sub(stamp) < w.debounce {
					continue
				}
				delete(pending, rel)
				if err := w.indexer.IndexFile(ctx, rel); err != nil {
					logging.IndexWarn("incremental index of %s failed: %v", rel, err)
				}
			}
		}
	}
}

// addRecursive registers dir and every non-excluded subdirectory.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel != "." && w.indexer.excluded(rel) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
