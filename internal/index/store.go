package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"repogate/internal/logging"
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// FileRecord is one indexed file: its repository-relative path, a content
// hash for change detection, and the embedding vector.
type FileRecord struct {
	Path        string
	ContentHash string
	Embedding   []float32
	SizeBytes   int64
	ModTime     int64 // unix seconds
	IndexedAt   int64 // unix seconds
}

// Store persists file embeddings in a single SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the index database and verifies its
// dimensionality matches the configured one. A dimensionality change means
// the stored vectors are unusable; the operator must delete the database and
// reindex.
func OpenStore(path string, dimensions int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create index directory: %v", ErrIndexUnavailable, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	// SQLite serializes writers anyway; one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to enable WAL mode: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set synchronous mode: %v", err)
	}

	s := &Store{db: db}
	if err := s.migrate(dimensions); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Index store opened: %s (dimensions=%d)", path, dimensions)
	return s, nil
}

func (s *Store) migrate(dimensions int) error {
	const schema = `
CREATE TABLE IF NOT EXISTS files (
	path         TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL,
	embedding    TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	mtime_unix   INTEGER NOT NULL,
	indexed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_hash  ON files(content_hash);
CREATE INDEX IF NOT EXISTS idx_files_mtime ON files(mtime_unix);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to create schema: %v", ErrIndexUnavailable, err)
	}

	var stored string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'dimensions'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(`INSERT INTO meta (key, value) VALUES ('dimensions', ?)`,
			strconv.Itoa(dimensions))
		if err != nil {
			return fmt.Errorf("%w: failed to record dimensions: %v", ErrIndexUnavailable, err)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	default:
		if stored != strconv.Itoa(dimensions) {
			return fmt.Errorf("%w: index built with %s dimensions but config says %d; delete the index database and reindex",
				ErrIndexUnavailable, stored, dimensions)
		}
	}
	return nil
}

// Get returns the record for a path, if present.
func (s *Store) Get(path string) (FileRecord, bool, error) {
	row := s.db.QueryRow(
		`SELECT path, content_hash, embedding, size_bytes, mtime_unix, indexed_at
		 FROM files WHERE path = ?`, path)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return rec, true, nil
}

// FindByHash returns any record with the given content hash. Identical
// content elsewhere in the tree lets the indexer reuse an embedding instead
// of calling the embedding service again.
func (s *Store) FindByHash(hash string) (FileRecord, bool, error) {
	row := s.db.QueryRow(
		`SELECT path, content_hash, embedding, size_bytes, mtime_unix, indexed_at
		 FROM files WHERE content_hash = ? LIMIT 1`, hash)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return rec, true, nil
}

// Upsert inserts or replaces the record for rec.Path. Each upsert commits
// on its own so a crashed indexing run keeps everything finished so far.
func (s *Store) Upsert(rec FileRecord) error {
	blob, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("%w: failed to encode embedding: %v", ErrIndexUnavailable, err)
	}
	if rec.IndexedAt == 0 {
		rec.IndexedAt = time.Now().Unix()
	}
	_, err = s.db.Exec(
		`INSERT INTO files (path, content_hash, embedding, size_bytes, mtime_unix, indexed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			embedding    = excluded.embedding,
			size_bytes   = excluded.size_bytes,
			mtime_unix   = excluded.mtime_unix,
			indexed_at   = excluded.indexed_at`,
		rec.Path, rec.ContentHash, string(blob), rec.SizeBytes, rec.ModTime, rec.IndexedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// Delete removes the record for a path. Deleting an absent path is not an
// error.
func (s *Store) Delete(path string) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return nil
}

// All streams every record. The caller scans them for similarity; with
// repository-scale corpora a full scan is cheaper than maintaining an
// approximate-neighbor structure.
func (s *Store) All() ([]FileRecord, error) {
	rows, err := s.db.Query(
		`SELECT path, content_hash, embedding, size_bytes, mtime_unix, indexed_at
		 FROM files ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return out, nil
}

// Paths returns the set of indexed paths, for pruning.
func (s *Store) Paths() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT path FROM files`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		out[p] = true
	}
	return out, rows.Err()
}

// Count returns the number of indexed files.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (FileRecord, error) {
	var rec FileRecord
	var blob string
	if err := row.Scan(&rec.Path, &rec.ContentHash, &blob, &rec.SizeBytes, &rec.ModTime, &rec.IndexedAt); err != nil {
		return FileRecord{}, err
	}
	if err := json.Unmarshal([]byte(blob), &rec.Embedding); err != nil {
		return FileRecord{}, fmt.Errorf("corrupt embedding for %s: %w", rec.Path, err)
	}
	return rec, nil
}
