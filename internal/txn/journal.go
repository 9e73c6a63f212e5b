package txn

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is the persisted outcome of a journaled intent.
type Status string

const (
	// StatusPending is appended, and fsynced, before the atomic replace.
	StatusPending Status = "pending"
	// StatusCommitted is appended after the replace succeeds.
	StatusCommitted Status = "committed"
	// StatusRolledBack is appended when a staged write is abandoned.
	StatusRolledBack Status = "rolled_back"
)

// Record is one journal entry. The journal is append-only JSON lines;
// a transaction appears once with status pending and again with its
// terminal status. A pending record with no terminal record means the
// process died mid-write.
type Record struct {
	TxnID     string    `json:"txn_id"`
	Path      string    `json:"path"`
	TempPath  string    `json:"temp_path"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

// ErrJournalClosed reports use of a closed journal.
var ErrJournalClosed = errors.New("journal closed")

// Journal is the durable intent log backing crash recovery. Appends are
// fsynced so a pending record is on disk before the replace it describes.
// Safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
}

// OpenJournal opens or creates the journal at path, creating parent
// directories as needed.
func OpenJournal(path string) (*Journal, error) {
	err := os.MkdirAll(filepath.Dir(path), lockDirPerms)
	if err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, lockFilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	return &Journal{path: path, file: file}, nil
}

// Append writes rec as one JSON line and syncs it to disk.
func (j *Journal) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}

	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	_, err = j.file.Write(data)
	if err != nil {
		return fmt.Errorf("appending journal record: %w", err)
	}

	err = j.file.Sync()
	if err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}

	return nil
}

// Unresolved returns the pending records that never reached a terminal
// status, in append order. A trailing line that does not parse is a
// record torn by a crash mid-append and is ignored; the replace it would
// have described never started, because the pending fsync happens first.
func (j *Journal) Unresolved() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	_, err := j.file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("seeking journal: %w", err)
	}

	var (
		order    []string
		pending  = make(map[string]Record)
		resolved = make(map[string]bool)
	)

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record

		err := json.Unmarshal(line, &rec)
		if err != nil {
			// Torn record from a crash mid-append.
			continue
		}

		switch rec.Status {
		case StatusPending:
			if _, ok := pending[rec.TxnID]; !ok {
				order = append(order, rec.TxnID)
			}

			pending[rec.TxnID] = rec
		case StatusCommitted, StatusRolledBack:
			resolved[rec.TxnID] = true
		}
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}

	var out []Record

	for _, id := range order {
		if !resolved[id] {
			out = append(out, pending[id])
		}
	}

	return out, nil
}

// Prune discards all journal content. Called after recovery has resolved
// every unresolved record.
func (j *Journal) Prune() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	err := j.file.Truncate(0)
	if err != nil {
		return fmt.Errorf("truncating journal: %w", err)
	}

	_, err = j.file.Seek(0, io.SeekStart)
	if err != nil {
		return fmt.Errorf("rewinding journal: %w", err)
	}

	return nil
}

// Close closes the journal file. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	j.closed = true

	err := j.file.Close()
	if err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}

	return nil
}

// Path returns the journal file's location.
func (j *Journal) Path() string { return j.path }
