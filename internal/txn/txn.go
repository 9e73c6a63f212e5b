// Package txn provides atomic, lock-protected read-modify-write for
// files. A transaction takes a per-path exclusive lock, reads the
// authoritative on-disk content, stages replacement content in a temp
// file on the same filesystem, and commits with a single atomic rename.
// Intent is journaled before the rename so a crash at any point leaves
// either the complete old file or the complete new one, never a mix.
//
// This replaces an older hash-compare protocol: the pre-image fingerprint
// check now happens inside the lock, closing the window between comparing
// and writing.
package txn

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"
)

// Defaults applied by [NewManager] for zero-valued config fields.
const (
	DefaultLockTimeout   = 300 * time.Second
	DefaultMaxConcurrent = 50
)

// Transaction errors.
var (
	// ErrConflict reports a pre-image fingerprint mismatch: the content
	// read under the lock is not what the caller expected, so the write
	// is refused rather than overwriting someone else's change.
	ErrConflict = errors.New("conflict detected")

	// ErrWriteFailure reports a disk, permission, or filesystem error
	// during staging or replace. The original file is untouched.
	ErrWriteFailure = errors.New("write failure")

	// ErrUnknownTransaction reports an id with no live transaction.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrTransactionFinished reports an operation on a transaction that
	// already reached a terminal state.
	ErrTransactionFinished = errors.New("transaction already finished")

	// ErrNotValidated reports a Write before Read.
	ErrNotValidated = errors.New("transaction has not read its target")

	// ErrTooManyTransactions reports Begin beyond the configured cap on
	// concurrently live transactions.
	ErrTooManyTransactions = errors.New("too many concurrent transactions")
)

// State is a transaction's position in its lifecycle:
// Pending -> Locked -> Validated -> {Committed | RolledBack | Failed}.
type State uint8

const (
	StatePending State = iota
	StateLocked
	StateValidated
	StateCommitted
	StateRolledBack
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLocked:
		return "locked"
	case StateValidated:
		return "validated"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

func (s State) terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// Config controls the write path.
type Config struct {
	// LockTimeout bounds how long Begin waits for a path's lock.
	LockTimeout time.Duration

	// MaxConcurrent caps concurrently live transactions across all paths.
	MaxConcurrent int

	// JournalPath locates the crash-recovery journal. Required.
	JournalPath string
}

func (c Config) withDefaults() Config {
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}

	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}

	return c
}

// Transaction is one atomic read-modify-write cycle against a single
// path. Created by [Manager.Begin], destroyed at commit or rollback; it
// never outlives its operation.
type Transaction struct {
	id   string
	path string

	mu          sync.Mutex
	state       State
	lease       *Lease
	snapshot    []byte
	hasSnapshot bool
	fingerprint string
	tempPath    string
	journaled   bool
	replaced    bool
}

// ID returns the transaction's UUID.
func (t *Transaction) ID() string { return t.id }

// Path returns the transaction's target path.
func (t *Transaction) Path() string { return t.path }

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Fingerprint returns the BLAKE3 hex fingerprint of the content read
// under the lock, or "" before Read.
func (t *Transaction) Fingerprint() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.fingerprint
}

// Manager coordinates transactions: a shared lock table for per-path
// mutual exclusion, a live-transaction registry, and the recovery
// journal. Transactions on different paths proceed fully in parallel.
type Manager struct {
	cfg        Config
	logger     *slog.Logger
	locks      *LockTable
	journal    *Journal
	invalidate func(path string)

	mu   sync.Mutex
	txns map[string]*Transaction
}

// NewManager opens the journal and returns a manager. invalidate is
// called with the target path after every successful commit so the read
// path can drop stale mappings and cache entries; nil means no callback.
// A nil logger uses [slog.Default]. Call [Manager.Recover] before the
// first Begin.
func NewManager(cfg Config, logger *slog.Logger, invalidate func(path string)) (*Manager, error) {
	cfg = cfg.withDefaults()

	if cfg.JournalPath == "" {
		return nil, errors.New("txn: journal path is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if invalidate == nil {
		invalidate = func(string) {}
	}

	journal, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("txn: %w", err)
	}

	return &Manager{
		cfg:        cfg,
		logger:     logger,
		locks:      NewLockTable(),
		journal:    journal,
		invalidate: invalidate,
		txns:       make(map[string]*Transaction),
	}, nil
}

// Recover resolves journal entries left by a crash. For each pending
// record with no terminal record the staged temp file, if it still
// exists, is removed; the target itself needs no repair because the
// atomic replace either completed or never became visible. The journal
// is pruned afterwards.
func (m *Manager) Recover() error {
	unresolved, err := m.journal.Unresolved()
	if err != nil {
		return fmt.Errorf("txn recover: %w", err)
	}

	for _, rec := range unresolved {
		if rec.TempPath == "" {
			continue
		}

		err := os.Remove(rec.TempPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("txn recover: removing orphaned temp %s: %w", rec.TempPath, err)
		}

		m.logger.Info("recovered interrupted transaction",
			"txn", rec.TxnID, "path", rec.Path, "temp", rec.TempPath)
	}

	err = m.journal.Prune()
	if err != nil {
		return fmt.Errorf("txn recover: %w", err)
	}

	return nil
}

// Begin creates a transaction for path and acquires its exclusive lock,
// waiting up to the configured timeout. On timeout the transaction is
// Failed and [ErrLockTimeout] is returned with no lock held.
func (m *Manager) Begin(ctx context.Context, path string) (*Transaction, error) {
	t := &Transaction{
		id:    uuid.NewString(),
		path:  path,
		state: StatePending,
	}

	m.mu.Lock()

	if len(m.txns) >= m.cfg.MaxConcurrent {
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: limit %d", ErrTooManyTransactions, m.cfg.MaxConcurrent)
	}

	m.txns[t.id] = t
	m.mu.Unlock()

	lease, err := m.locks.Acquire(ctx, path, m.cfg.LockTimeout)
	if err != nil {
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()

		m.remove(t.id)

		return nil, err
	}

	t.mu.Lock()
	t.lease = lease
	t.state = StateLocked
	t.mu.Unlock()

	m.logger.Debug("transaction locked", "txn", t.id, "path", path)

	return t, nil
}

// Lookup returns the live transaction with the given id.
func (m *Manager) Lookup(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}

	return t, nil
}

// Read loads the target's current on-disk content directly, bypassing
// any cache, records it as the pre-image snapshot with its fingerprint,
// and moves the transaction to Validated. A missing target is not an
// error; the snapshot is empty and the commit will create the file.
// Calling Read again returns the recorded snapshot.
func (m *Manager) Read(t *Transaction) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateValidated:
		return t.snapshot, nil
	case StateLocked:
	default:
		if t.state.terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrTransactionFinished, t.id, t.state)
		}

		return nil, fmt.Errorf("transaction %s: read in state %s", t.id, t.state)
	}

	data, err := os.ReadFile(t.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.failLocked(t)

		return nil, fmt.Errorf("reading %s: %w", t.path, err)
	}

	t.snapshot = data
	t.hasSnapshot = err == nil
	t.fingerprint = fingerprint(data)
	t.state = StateValidated

	return data, nil
}

// Write stages content in a temp file beside the target, journals the
// intent, and atomically replaces the target. If expectedFingerprint is
// non-empty and does not match the fingerprint recorded by Read, it
// fails with [ErrConflict] and writes nothing; done inside the lock this
// closes the classic compare-then-write race. On success the transaction
// is Committed, the invalidate callback fires, and the lock is released.
// On any failure the temp file is cleaned up, the original is untouched,
// and the lock is released.
func (m *Manager) Write(t *Transaction, content []byte, expectedFingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateValidated:
	case StateLocked:
		m.failLocked(t)

		return fmt.Errorf("%w: %s", ErrNotValidated, t.id)
	default:
		return fmt.Errorf("%w: %s is %s", ErrTransactionFinished, t.id, t.state)
	}

	if expectedFingerprint != "" && expectedFingerprint != t.fingerprint {
		m.failLocked(t)

		return fmt.Errorf("%w: %s: expected %s, found %s",
			ErrConflict, t.path, shortHash(expectedFingerprint), shortHash(t.fingerprint))
	}

	err := m.stageAndReplaceLocked(t, content)
	if err != nil {
		m.failLocked(t)

		return err
	}

	t.state = StateCommitted
	m.finishLocked(t)
	m.invalidate(t.path)

	m.logger.Info("transaction committed",
		"txn", t.id, "path", t.path, "bytes", len(content))

	return nil
}

// stageAndReplaceLocked performs the durable half of a commit. On error
// the target file is guaranteed untouched: either the replace never ran,
// or it ran and the snapshot was restored by the same atomic mechanism.
func (m *Manager) stageAndReplaceLocked(t *Transaction, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(t.path), "."+filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: staging %s: %w", ErrWriteFailure, t.path, err)
	}

	t.tempPath = tmp.Name()

	err = m.journal.Append(Record{
		TxnID:     t.id,
		Path:      t.path,
		TempPath:  t.tempPath,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
	})
	if err != nil {
		_ = tmp.Close()
		m.discardTempLocked(t)

		return fmt.Errorf("%w: journaling %s: %w", ErrWriteFailure, t.path, err)
	}

	t.journaled = true

	err = writeAndSync(tmp, content)
	if err != nil {
		m.discardTempLocked(t)

		return fmt.Errorf("%w: staging %s: %w", ErrWriteFailure, t.path, err)
	}

	err = atomic.ReplaceFile(t.tempPath, t.path)
	if err != nil {
		m.discardTempLocked(t)

		return fmt.Errorf("%w: replacing %s: %w", ErrWriteFailure, t.path, err)
	}

	t.replaced = true
	t.tempPath = ""

	err = m.journal.Append(Record{
		TxnID:     t.id,
		Path:      t.path,
		Timestamp: time.Now().UTC(),
		Status:    StatusCommitted,
	})
	if err != nil {
		// The replace already happened; undo it so a failed transaction
		// never leaves new content behind.
		restoreErr := m.restoreSnapshotLocked(t)

		return fmt.Errorf("%w: journaling commit of %s: %w",
			ErrWriteFailure, t.path, errors.Join(err, restoreErr))
	}

	return nil
}

func writeAndSync(f *os.File, content []byte) error {
	_, err := f.Write(content)
	if err != nil {
		_ = f.Close()

		return err
	}

	err = f.Sync()
	if err != nil {
		_ = f.Close()

		return err
	}

	return f.Close()
}

// Rollback abandons the transaction. No on-disk undo is normally needed:
// writes only ever land via the atomic replace, so before commit the
// original is intact by construction. A staged temp file is discarded,
// and if a failed commit had already replaced the target the snapshot is
// restored. The lock is always released.
func (m *Manager) Rollback(t *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTransactionFinished, t.id, t.state)
	}

	m.discardTempLocked(t)

	restoreErr := m.restoreSnapshotLocked(t)

	t.state = StateRolledBack
	m.finishLocked(t)

	m.logger.Debug("transaction rolled back", "txn", t.id, "path", t.path)

	return restoreErr
}

// failLocked moves t to Failed, journals the abandonment of any staged
// temp, and releases everything. Callers hold t.mu.
func (m *Manager) failLocked(t *Transaction) {
	m.discardTempLocked(t)

	if t.replaced {
		err := m.restoreSnapshotLocked(t)
		if err != nil {
			m.logger.Error("restoring snapshot after failed commit",
				"txn", t.id, "path", t.path, "error", err)
		}
	}

	t.state = StateFailed
	m.finishLocked(t)
}

// discardTempLocked removes a staged temp file and journals the
// rollback, best effort. Callers hold t.mu.
func (m *Manager) discardTempLocked(t *Transaction) {
	if t.tempPath == "" {
		return
	}

	err := os.Remove(t.tempPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("removing staged temp file", "path", t.tempPath, "error", err)
	}

	if t.journaled {
		err := m.journal.Append(Record{
			TxnID:     t.id,
			Path:      t.path,
			TempPath:  t.tempPath,
			Timestamp: time.Now().UTC(),
			Status:    StatusRolledBack,
		})
		if err != nil {
			m.logger.Warn("journaling rollback", "txn", t.id, "error", err)
		}
	}

	t.tempPath = ""
}

// restoreSnapshotLocked puts the pre-image back via another atomic
// replace. Only reachable when a replace succeeded but the commit could
// not be completed. Callers hold t.mu.
func (m *Manager) restoreSnapshotLocked(t *Transaction) error {
	if !t.replaced {
		return nil
	}

	t.replaced = false

	if !t.hasSnapshot {
		// The target did not exist before this transaction.
		err := os.Remove(t.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s during restore: %w", t.path, err)
		}

		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), "."+filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("staging restore of %s: %w", t.path, err)
	}

	err = writeAndSync(tmp, t.snapshot)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("staging restore of %s: %w", t.path, err)
	}

	err = atomic.ReplaceFile(tmp.Name(), t.path)
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("restoring %s: %w", t.path, err)
	}

	m.invalidate(t.path)

	return nil
}

// finishLocked releases the lock and removes t from the live registry.
// Callers hold t.mu; t.state must already be terminal.
func (m *Manager) finishLocked(t *Transaction) {
	if t.lease != nil {
		err := t.lease.Release()
		if err != nil {
			m.logger.Warn("releasing path lock", "path", t.path, "error", err)
		}

		t.lease = nil
	}

	m.remove(t.id)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.txns, id)
	m.mu.Unlock()
}

// Live reports the number of transactions that have begun and not yet
// reached a terminal state.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.txns)
}

// Close rolls back every live transaction and closes the journal.
func (m *Manager) Close() error {
	m.mu.Lock()

	live := make([]*Transaction, 0, len(m.txns))
	for _, t := range m.txns {
		live = append(live, t)
	}

	m.mu.Unlock()

	var errs []error

	for _, t := range live {
		err := m.Rollback(t)
		if err != nil && !errors.Is(err, ErrTransactionFinished) {
			errs = append(errs, err)
		}
	}

	errs = append(errs, m.journal.Close())

	return errors.Join(errs...)
}

// fingerprint is the BLAKE3 hex digest used for pre-image comparison.
func fingerprint(data []byte) string {
	sum := blake3.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// Fingerprint exposes the digest for callers implementing
// compare-and-swap cycles against content they read elsewhere.
func Fingerprint(data []byte) string {
	return fingerprint(data)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}

	if h == "" {
		return "(none)"
	}

	return h
}
