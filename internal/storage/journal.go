package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/vadiminshakov/gowal"
)

const (
	journalSegmentLimit = 1000
	journalMaxSegments  = 20
)

// ErrJournalClosed is returned after Close.
var ErrJournalClosed = errors.New("journal is closed")

// JournalEntry is one record read back from the journal.
type JournalEntry struct {
	Index   uint64          `json:"index"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Journal is an append-only log of swap stage events backed by a WAL.
type Journal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// OpenJournal opens or creates the journal in dir.
func OpenJournal(dir string) (*Journal, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "stage_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{wal: wal}, nil
}

// Append writes v as JSON under key and returns its index.
func (j *Journal) Append(key string, v any) (uint64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to encode journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.wal == nil {
		return 0, ErrJournalClosed
	}
	idx := j.wal.CurrentIndex() + 1
	if err := j.wal.Write(idx, key, payload); err != nil {
		return 0, fmt.Errorf("failed to write journal entry: %w", err)
	}
	return idx, nil
}

// Entries returns entries written after index whose key starts with
// prefix. Segments dropped by rotation are skipped.
func (j *Journal) Entries(after uint64, prefix string) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.wal == nil {
		return nil, ErrJournalClosed
	}

	current := j.wal.CurrentIndex()
	var entries []JournalEntry
	for idx := after + 1; idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entries = append(entries, JournalEntry{Index: idx, Key: key, Payload: payload})
	}
	return entries, nil
}

// CurrentIndex returns the latest index written.
func (j *Journal) CurrentIndex() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.wal == nil {
		return 0
	}
	return j.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.wal == nil {
		return nil
	}
	err := j.wal.Close()
	j.wal = nil
	return err
}
