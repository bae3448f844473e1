package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxJournalSize is the rotation threshold (50MB).
	DefaultMaxJournalSize = 50 * 1024 * 1024
	// journalMaxRecordBytes bounds a single serialized record.
	journalMaxRecordBytes = 64 * 1024
	archiveDir            = "archive"
)

// Journal is an append-only JSONL log of event records with size-based
// rotation. It implements Sink; Emit swallows append failures, since losing
// journal lines must never fail an invocation.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
}

// NewJournal opens (or creates) the journal at path. maxSize <= 0 selects
// the default rotation threshold.
func NewJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	return &Journal{
		file:        f,
		currentSize: info.Size(),
		maxSize:     maxSize,
		path:        path,
	}, nil
}

// Emit implements Sink.
func (j *Journal) Emit(record Record) {
	_ = j.Append(record)
}

// Append writes one record as a JSONL line, rotating first if the journal
// has reached its size threshold.
func (j *Journal) Append(record Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal closed")
	}

	line := append(record.Marshal(journalMaxRecordBytes), '\n')
	if j.currentSize+int64(len(line)) > j.maxSize {
		if err := j.rotateLocked(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(line)
	j.currentSize += int64(n)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// rotateLocked moves the current journal into archive/ with a timestamp
// suffix and starts a fresh file. A failed rotation leaves the journal
// attached to the current file so later appends still land somewhere.
// Caller holds j.mu.
func (j *Journal) rotateLocked() error {
	dir := filepath.Join(filepath.Dir(j.path), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal for rotation: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	archived := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(j.path), stamp))
	if err := os.Rename(j.path, archived); err != nil {
		// The handle is already closed; reattach to the un-archived file.
		f, reopenErr := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if reopenErr != nil {
			j.file = nil
			return fmt.Errorf("archive journal: %w", err)
		}
		j.file = f
		return fmt.Errorf("archive journal: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		j.file = nil
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.file = f
	j.currentSize = 0
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
