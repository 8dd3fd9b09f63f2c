package bus

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/jllopis/fabrica/pkg/errors"
)

// Outcome classifies how a bus interaction ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// LogEntry is one appended record of bus traffic. Entries are never mutated
// or deleted by the core; retention is an external concern.
type LogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Channel    Channel   `json:"channel"`
	Sender     string    `json:"sender"`
	Capability string    `json:"capability"`
	Outcome    Outcome   `json:"outcome"`
	LatencyMS  int64     `json:"latency_ms"`
}

// InteractionLogger records bus traffic. Implementations must be safe for
// concurrent appends.
type InteractionLogger interface {
	Append(entry LogEntry) error
}

// FileLogger appends entries to a file, one JSON record per line.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileLogger opens (or creates) the log file in append-only mode.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.New(errors.CodeStoreError, "open interaction log", err).
			WithContext("path", path)
	}
	return &FileLogger{file: f}, nil
}

// Append writes one JSONL record.
func (l *FileLogger) Append(entry LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.New(errors.CodeStoreError, "marshal log entry", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(payload, '\n')); err != nil {
		return errors.New(errors.CodeStoreError, "append log entry", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// MemLogger keeps entries in memory for tests and introspection.
type MemLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewMemLogger creates an empty in-memory interaction log.
func NewMemLogger() *MemLogger {
	return &MemLogger{}
}

// Append records the entry.
func (l *MemLogger) Append(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns a copy of everything appended so far.
func (l *MemLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}
