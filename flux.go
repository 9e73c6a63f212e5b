// Package flux is the storage core for editing very large text files:
// near-constant-time random line access without materializing whole
// files, and atomic, lock-protected read-modify-write immune to
// interference from concurrent modification.
//
// The read path memory-maps large files, indexes line offsets lazily,
// and caches hot byte ranges in a bounded LRU. The write path takes a
// per-path exclusive lock, stages content in a temp file, and commits
// with a single atomic replace, journaling intent for crash recovery.
// An [Engine] owns both halves and is the only type external layers
// need.
//
//	engine, err := flux.New(flux.DefaultConfig(), nil)
//	...
//	id, err := engine.BeginTransaction(ctx, path)
//	err = engine.WriteWithTransaction(ctx, id, newContent, "")
package flux

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/rahul1-bot/flux/internal/memory"
	"github.com/rahul1-bot/flux/internal/txn"
)

// Engine couples the memory manager (read path) and the transaction
// manager (write path). Commits invalidate the read path's mappings and
// cache entries for the written file, so readers see pre-transaction
// content until a commit completes and fresh content after.
//
// Safe for concurrent use. Construct with [New]; [Engine.Close] releases
// every mapping and rolls back any live transaction.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	mem    *memory.Manager
	txns   *txn.Manager
}

// New creates an engine, opens the crash-recovery journal, and resolves
// any entries a previous process left behind. A nil logger uses
// [slog.Default].
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	err := cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("flux: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	mem := memory.NewManager(memory.Config{
		MmapThreshold: cfg.MmapThreshold,
		ChunkSize:     cfg.ChunkSize,
		CacheCapacity: cfg.CacheCapacity,
	})

	txns, err := txn.NewManager(txn.Config{
		LockTimeout:   cfg.lockTimeout(),
		MaxConcurrent: cfg.MaxConcurrentTransactions,
		JournalPath:   cfg.JournalPath,
	}, logger, func(path string) {
		invErr := mem.Invalidate(path)
		if invErr != nil {
			logger.Warn("invalidating read path after commit", "path", path, "error", invErr)
		}
	})
	if err != nil {
		_ = mem.CloseAll()

		return nil, fmt.Errorf("flux: %w", err)
	}

	err = txns.Recover()
	if err != nil {
		_ = mem.CloseAll()
		_ = txns.Close()

		return nil, fmt.Errorf("flux: %w", err)
	}

	return &Engine{cfg: cfg, logger: logger, mem: mem, txns: txns}, nil
}

// ReadOptions selects what [Engine.Read] returns. Nil StartLine/EndLine
// mean whole content; lines are 0-based with EndLine inclusive. An empty
// Encoding means detect.
type ReadOptions struct {
	StartLine *int
	EndLine   *int
	Encoding  string
}

// ReadResult is decoded content plus the file facts callers page with.
type ReadResult struct {
	Content   string
	Size      int64
	LineCount int
	Encoding  string
}

// Read opens path if needed and returns decoded content for the
// requested line range. Out-of-range lines clamp; a start past EOF
// yields empty content, never an error.
func (e *Engine) Read(ctx context.Context, path string, opts ReadOptions) (ReadResult, error) {
	enc, err := memory.ParseEncoding(opts.Encoding)
	if err != nil {
		return ReadResult{}, wrapError(path, err)
	}

	res, err := e.mem.Read(ctx, path, memory.ReadOptions{
		StartLine: opts.StartLine,
		EndLine:   opts.EndLine,
		Encoding:  enc,
	})
	if err != nil {
		return ReadResult{}, wrapError(path, err)
	}

	return ReadResult{
		Content:   res.Content,
		Size:      res.Size,
		LineCount: res.LineCount,
		Encoding:  string(res.Encoding),
	}, nil
}

// Chunks streams path's bytes sequentially in chunks of chunkSize
// (<= 0 uses the configured default). The sequence is finite and
// single-use; it reads from a fresh handle, not the mapping.
func (e *Engine) Chunks(path string, chunkSize int) iter.Seq2[[]byte, error] {
	return e.mem.Chunks(path, chunkSize)
}

// BeginTransaction locks path exclusively, reads its current on-disk
// content as the pre-image (bypassing all caches), and returns the
// transaction id. On lock timeout the error kind is
// [KindLockTimeout] and no lock is held.
func (e *Engine) BeginTransaction(ctx context.Context, path string) (string, error) {
	t, err := e.txns.Begin(ctx, path)
	if err != nil {
		return "", wrapError(path, err)
	}

	_, err = e.txns.Read(t)
	if err != nil {
		// Read failed and rolled the transaction back; the lock is gone.
		return "", wrapError(path, err)
	}

	return t.ID(), nil
}

// TransactionFingerprint returns the BLAKE3 fingerprint of the content
// the transaction read under its lock. Callers pass it back to
// [Engine.WriteWithTransaction] to assert the pre-image they based
// their edit on.
func (e *Engine) TransactionFingerprint(id string) (string, error) {
	t, err := e.txns.Lookup(id)
	if err != nil {
		return "", wrapError("", err)
	}

	return t.Fingerprint(), nil
}

// TransactionSnapshot returns the content the transaction read under its
// lock, decoded as UTF-8.
func (e *Engine) TransactionSnapshot(id string) (string, error) {
	t, err := e.txns.Lookup(id)
	if err != nil {
		return "", wrapError("", err)
	}

	data, err := e.txns.Read(t)
	if err != nil {
		return "", wrapError(t.Path(), err)
	}

	return string(data), nil
}

// WriteWithTransaction atomically replaces the transaction's target with
// content. If expectedFingerprint is non-empty and differs from the
// pre-image fingerprint recorded at begin, nothing is written and the
// error kind is [KindConflictDetected]. On success the transaction is
// committed, the read path invalidated, and the lock released; on any
// failure the original file is untouched and the lock is still released.
func (e *Engine) WriteWithTransaction(ctx context.Context, id, content, expectedFingerprint string) error {
	err := ctx.Err()
	if err != nil {
		return wrapError("", err)
	}

	t, err := e.txns.Lookup(id)
	if err != nil {
		return wrapError("", err)
	}

	err = e.txns.Write(t, []byte(content), expectedFingerprint)
	if err != nil {
		return wrapError(t.Path(), err)
	}

	return nil
}

// RollbackTransaction abandons the transaction and releases its lock.
// The target file is untouched: no write ever happens in place, so
// before commit there is nothing to undo on disk.
func (e *Engine) RollbackTransaction(id string) error {
	t, err := e.txns.Lookup(id)
	if err != nil {
		return wrapError("", err)
	}

	err = e.txns.Rollback(t)
	if err != nil {
		return wrapError(t.Path(), err)
	}

	return nil
}

// OpenFile makes path's mapping resident ahead of the first Read.
func (e *Engine) OpenFile(path string) error {
	return wrapError(path, e.mem.Open(path))
}

// CloseFile releases path's mapping and handle.
func (e *Engine) CloseFile(path string) error {
	return wrapError(path, e.mem.Close(path))
}

// Close rolls back live transactions, closes the journal, and releases
// every mapping.
func (e *Engine) Close() error {
	err := errors.Join(e.txns.Close(), e.mem.CloseAll())
	if err != nil {
		return wrapError("", fmt.Errorf("closing engine: %w", err))
	}

	return nil
}
