package flux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rahul1-bot/flux/internal/txn"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, string) {
	t.Helper()

	dir := t.TempDir()

	if cfg.JournalPath == "" {
		cfg.JournalPath = filepath.Join(dir, ".flux", "journal")
	}

	engine, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = engine.Close() })

	return engine, dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}

	return path
}

func Test_Engine_Read_Returns_Lines_With_File_Facts(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	path := writeFile(t, dir, "f.txt", "a\nb\nc\n")

	start, end := 1, 1

	res, err := engine.Read(context.Background(), path, ReadOptions{StartLine: &start, EndLine: &end})
	if err != nil {
		t.Fatalf("Read(1, 1): %v", err)
	}

	if res.Content != "b" {
		t.Fatalf("Content = %q, want %q", res.Content, "b")
	}
	if res.LineCount != 3 {
		t.Fatalf("LineCount = %d, want 3", res.LineCount)
	}
	if res.Size != 6 {
		t.Fatalf("Size = %d, want 6", res.Size)
	}
	if res.Encoding != "utf-8" {
		t.Fatalf("Encoding = %q, want utf-8", res.Encoding)
	}
}

func Test_Engine_Read_Classifies_Missing_File_As_NotFound(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})

	_, err := engine.Read(context.Background(), filepath.Join(dir, "missing"), ReadOptions{})

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("Read(missing): err = %T, want *flux.Error", err)
	}
	if fe.Kind != KindNotFound {
		t.Fatalf("Kind = %q, want %q", fe.Kind, KindNotFound)
	}
	if fe.Path == "" {
		t.Fatalf("Path empty in error %v", fe)
	}
}

func Test_Engine_Read_Rejects_Unknown_Encoding(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	path := writeFile(t, dir, "f.txt", "content\n")

	_, err := engine.Read(context.Background(), path, ReadOptions{Encoding: "ebcdic"})

	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindDecodeFailure {
		t.Fatalf("Read(ebcdic): err = %v, want kind %q", err, KindDecodeFailure)
	}
}

func Test_Engine_Transaction_Cycle_Replaces_Content(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	path := writeFile(t, dir, "f.txt", "old\n")
	ctx := context.Background()

	id, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	err = engine.WriteWithTransaction(ctx, id, "new\n", "")
	if err != nil {
		t.Fatalf("WriteWithTransaction: %v", err)
	}

	res, err := engine.Read(ctx, path, ReadOptions{})
	if err != nil {
		t.Fatalf("Read after commit: %v", err)
	}
	if res.Content != "new\n" {
		t.Fatalf("Read after commit = %q, want %q", res.Content, "new\n")
	}
}

func Test_Engine_Commit_Invalidates_Stale_Read_Path(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	path := writeFile(t, dir, "f.txt", "old\n")
	ctx := context.Background()

	// Warm the mapping and cache with the old content.
	start, end := 0, 0

	res, err := engine.Read(ctx, path, ReadOptions{StartLine: &start, EndLine: &end})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if res.Content != "old" {
		t.Fatalf("Read = %q, want %q", res.Content, "old")
	}

	id, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	err = engine.WriteWithTransaction(ctx, id, "new\n", "")
	if err != nil {
		t.Fatalf("WriteWithTransaction: %v", err)
	}

	res, err = engine.Read(ctx, path, ReadOptions{StartLine: &start, EndLine: &end})
	if err != nil {
		t.Fatalf("Read after commit: %v", err)
	}
	if res.Content != "new" {
		t.Fatalf("Read after commit = %q, want %q (stale cache not invalidated)", res.Content, "new")
	}
}

func Test_Engine_Fingerprint_Guard_Detects_External_Modification(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	path := writeFile(t, dir, "f.txt", "version 1\n")
	ctx := context.Background()

	// An earlier cycle captured the fingerprint of version 1.
	id1, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	staleFingerprint, err := engine.TransactionFingerprint(id1)
	if err != nil {
		t.Fatalf("TransactionFingerprint: %v", err)
	}

	err = engine.RollbackTransaction(id1)
	if err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}

	// Someone else changes the file in the meantime.
	writeFile(t, dir, "f.txt", "version 2\n")

	id2, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		t.Fatalf("second BeginTransaction: %v", err)
	}

	err = engine.WriteWithTransaction(ctx, id2, "based on version 1\n", staleFingerprint)

	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindConflictDetected {
		t.Fatalf("WriteWithTransaction(stale fingerprint): err = %v, want kind %q", err, KindConflictDetected)
	}
	if !errors.Is(err, txn.ErrConflict) {
		t.Fatalf("err = %v, want errors.Is txn.ErrConflict", err)
	}

	// Version 2 survives untouched.
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "version 2\n" {
		t.Fatalf("target = %q, want %q", got, "version 2\n")
	}
}

func Test_Engine_BeginTransaction_Times_Out_With_LockTimeout_Kind(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{LockTimeoutSeconds: 0.2})
	path := writeFile(t, dir, "f.txt", "content\n")
	ctx := context.Background()

	holder, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		time.Sleep(600 * time.Millisecond)
		_ = engine.RollbackTransaction(holder)
	}()

	_, err = engine.BeginTransaction(ctx, path)

	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindLockTimeout {
		t.Fatalf("second BeginTransaction: err = %v, want kind %q", err, KindLockTimeout)
	}

	<-done
}

func Test_Engine_Rollback_Leaves_File_Untouched(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	path := writeFile(t, dir, "f.txt", "keep me\n")
	ctx := context.Background()

	id, err := engine.BeginTransaction(ctx, path)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}

	snapshot, err := engine.TransactionSnapshot(id)
	if err != nil {
		t.Fatalf("TransactionSnapshot: %v", err)
	}
	if snapshot != "keep me\n" {
		t.Fatalf("snapshot = %q, want %q", snapshot, "keep me\n")
	}

	err = engine.RollbackTransaction(id)
	if err != nil {
		t.Fatalf("RollbackTransaction: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "keep me\n" {
		t.Fatalf("target = %q, want %q", got, "keep me\n")
	}

	// The id is gone once the transaction resolves.
	err = engine.RollbackTransaction(id)
	if !errors.Is(err, txn.ErrUnknownTransaction) {
		t.Fatalf("RollbackTransaction(resolved id): err = %v, want %v", err, txn.ErrUnknownTransaction)
	}
}

func Test_Engine_Chunks_Streams_Whole_File(t *testing.T) {
	t.Parallel()

	engine, dir := newTestEngine(t, Config{})
	content := "0123456789"
	path := writeFile(t, dir, "f.txt", content)

	var got []byte

	for chunk, err := range engine.Chunks(path, 3) {
		if err != nil {
			t.Fatalf("Chunks: %v", err)
		}

		got = append(got, chunk...)
	}

	if string(got) != content {
		t.Fatalf("Chunks reassembled %q, want %q", got, content)
	}
}

func Test_Engine_New_Recovers_Interrupted_Transaction(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	journalPath := filepath.Join(dir, ".flux", "journal")
	target := writeFile(t, dir, "f.txt", "original\n")
	temp := filepath.Join(dir, ".f.txt.42.tmp")

	err := os.WriteFile(temp, []byte("partial"), 0o600)
	if err != nil {
		t.Fatalf("writing temp: %v", err)
	}

	j, err := txn.OpenJournal(journalPath)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}

	err = j.Append(txn.Record{
		TxnID:     "crashed",
		Path:      target,
		TempPath:  temp,
		Timestamp: time.Now().UTC(),
		Status:    txn.StatusPending,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	_ = j.Close()

	engine, err := New(Config{JournalPath: journalPath}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() { _ = engine.Close() })

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading target: %v", err)
	}
	if string(got) != "original\n" {
		t.Fatalf("target after recovery = %q, want %q", got, "original\n")
	}

	if _, err := os.Stat(temp); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("orphaned temp %q still present after recovery", temp)
	}
}
