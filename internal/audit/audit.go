// Package audit records one entry per brokered operation: what was asked,
// what the broker decided, and how it turned out. The trail is append-only
// JSONL so it can be tailed and grepped while a session runs.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is a single audit record. Every recognized operation produces exactly
// one Entry, including operations that failed recognition or validation.
type Entry struct {
	// Timestamp is when the operation finished, unix milliseconds.
	Timestamp int64 `json:"ts"`

	// RequestID correlates the entry with logs and results.
	RequestID string `json:"request_id"`

	// Kind is the operation type: read, write, execute or search.
	Kind string `json:"kind"`

	// Target is the requested path, command or query, exactly as the agent
	// wrote it.
	Target string `json:"target"`

	// Success reports whether the operation was performed.
	Success bool `json:"success"`

	// Code classifies the failure when Success is false (e.g. PathTraversal,
	// Timeout). Empty on success.
	Code string `json:"code,omitempty"`

	// Detail is the sanitized diagnostic shown to the agent.
	Detail string `json:"detail,omitempty"`

	// Elapsed is the wall-clock duration in milliseconds.
	Elapsed int64 `json:"elapsed_ms"`
}

// Sink receives audit entries. Record must not block the dispatcher: slow
// sinks drop rather than stall.
type Sink interface {
	Record(e Entry)
	Close() error
}

// =============================================================================
// FILE SINK
// =============================================================================

// FileSink appends JSONL entries to a dated file under .repogate/audit/.
// Writes are buffered through a channel so a slow disk never blocks
// operation processing; entries are dropped (and counted) if the buffer
// fills.
type FileSink struct {
	file    *os.File
	entries chan Entry
	done    chan struct{}
	dropped int64
	mu      sync.Mutex
	closed  bool
}

const fileSinkBuffer = 256

// NewFileSink opens (or creates) today's audit file under the repository
// root and starts the writer goroutine.
func NewFileSink(root string) (*FileSink, error) {
	dir := filepath.Join(root, ".repogate", "audit")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	name := fmt.Sprintf("%s_audit.jsonl", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	s := &FileSink{
		file:    f,
		entries: make(chan Entry, fileSinkBuffer),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

func (s *FileSink) writeLoop() {
	defer close(s.done)
	enc := json.NewEncoder(s.file)
	for e := range s.entries {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "[audit] write failed: %v\n", err)
		}
	}
}

// Record queues an entry. If the buffer is full the entry is dropped and the
// drop counted; auditing must never stall the broker.
func (s *FileSink) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.entries <- e:
	default:
		s.dropped++
	}
}

// Dropped returns how many entries were discarded due to backpressure.
func (s *FileSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains pending entries and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.entries)
	<-s.done
	return s.file.Close()
}

// =============================================================================
// MEMORY SINK
// =============================================================================

// MemorySink collects entries in memory for tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends the entry.
func (s *MemorySink) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Entries returns a copy of everything recorded so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }
