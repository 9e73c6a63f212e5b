package txn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// locksDirName is the subdirectory for lock files. Using a subdirectory
// keeps lock churn from touching the target directory's mtime.
const locksDirName = ".locks"

// flockPollInterval is how often a blocked flock acquisition retries.
// Lock acquisition is the only operation in the core that retries
// internally; everything else fails on first error.
const flockPollInterval = 10 * time.Millisecond

const (
	lockDirPerms  = 0o750
	lockFilePerms = 0o600
)

// Lock errors.
var (
	// ErrLockTimeout reports a lock that could not be acquired within the
	// configured timeout. Callers should use errors.Is(err, ErrLockTimeout).
	ErrLockTimeout = errors.New("lock timeout")

	// ErrInvalidTimeout reports a timeout <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	errLockFileOpen = errors.New("failed to open lock file")
)

// LockTable serializes transactions per path. Entries are created lazily
// on first acquisition, reference-counted, and pruned once no transaction
// references them, so transactions on different paths never contend on
// anything but the table map itself.
//
// Exclusivity is enforced twice: a channel semaphore covers goroutines in
// this process, and an advisory flock(2) on a sidecar lock file covers
// cooperating external processes. Unix-only.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	refs int
	sem  chan struct{} // capacity 1; holding the token means holding the lock
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*pathLock)}
}

// Lease is a held per-path exclusive lock. Release it exactly once; a
// second Release is a no-op.
type Lease struct {
	table *LockTable
	path  string
	pl    *pathLock

	mu    sync.Mutex
	flock *fileLock
	done  bool
}

// Acquire takes the exclusive lock for path, waiting up to timeout. On
// timeout it returns [ErrLockTimeout]; on context cancellation it returns
// the context's error. Either way no lock remains held.
func (t *LockTable) Acquire(ctx context.Context, path string, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimeout, timeout)
	}

	deadline := time.Now().Add(timeout)
	pl := t.retain(path)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case pl.sem <- struct{}{}:
	case <-timer.C:
		t.releaseRef(path)

		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
	case <-ctx.Done():
		t.releaseRef(path)

		return nil, fmt.Errorf("acquiring lock %s: %w", path, ctx.Err())
	}

	fl, err := acquireFlock(ctx, path, deadline)
	if err != nil {
		<-pl.sem
		t.releaseRef(path)

		return nil, err
	}

	return &Lease{table: t, path: path, pl: pl, flock: fl}, nil
}

// Held reports whether path's lock is currently held. Intended for tests
// and diagnostics; the answer can be stale by the time it returns.
func (t *LockTable) Held(path string) bool {
	t.mu.Lock()
	pl, ok := t.locks[path]
	t.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case pl.sem <- struct{}{}:
		<-pl.sem

		return false
	default:
		return true
	}
}

// Release releases the lock. Idempotent.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return nil
	}

	l.done = true

	err := l.flock.release()

	<-l.pl.sem
	l.table.releaseRef(l.path)

	return err
}

// Path returns the locked path.
func (l *Lease) Path() string { return l.path }

// retain returns path's entry, creating it if needed, with its refcount
// bumped.
func (t *LockTable) retain(path string) *pathLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	pl, ok := t.locks[path]
	if !ok {
		pl = &pathLock{sem: make(chan struct{}, 1)}
		t.locks[path] = pl
	}

	pl.refs++

	return pl
}

// releaseRef drops one reference and prunes the entry at zero.
func (t *LockTable) releaseRef(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pl, ok := t.locks[path]
	if !ok {
		return
	}

	pl.refs--
	if pl.refs <= 0 {
		delete(t.locks, path)
	}
}

// fileLock is the on-disk half of a lease: an exclusive flock on a
// sidecar lock file next to the target.
type fileLock struct {
	path string
	file *os.File
}

// acquireFlock takes an exclusive flock on target's sidecar lock file,
// polling LOCK_NB until deadline. The flock is taken non-blocking in a
// loop rather than blocking in the kernel so the deadline and ctx stay
// honored. After acquisition the lock file's inode is re-checked against
// the path; if another process removed and recreated it in the window,
// the acquisition retries on the new file.
func acquireFlock(ctx context.Context, target string, deadline time.Time) (*fileLock, error) {
	locksDir := filepath.Join(filepath.Dir(target), locksDirName)
	lockPath := filepath.Join(locksDir, filepath.Base(target)+".lock")

	for {
		mkdirErr := os.MkdirAll(locksDir, lockDirPerms)
		if mkdirErr != nil {
			return nil, fmt.Errorf("creating locks dir: %w", mkdirErr)
		}

		file, openErr := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFilePerms)
		if openErr != nil {
			return nil, fmt.Errorf("%w: %w", errLockFileOpen, openErr)
		}

		var openStat syscall.Stat_t

		err := syscall.Fstat(int(file.Fd()), &openStat)
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("fstat lock file: %w", err)
		}

		err = flockUntil(ctx, int(file.Fd()), deadline, target)
		if err != nil {
			_ = file.Close()

			return nil, err
		}

		// Verify the path still refers to the inode we locked. If not,
		// someone deleted and recreated the lock file while we waited.
		var pathStat syscall.Stat_t

		statErr := syscall.Stat(lockPath, &pathStat)
		if statErr != nil || pathStat.Ino != openStat.Ino {
			_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
			_ = file.Close()

			continue
		}

		return &fileLock{path: lockPath, file: file}, nil
	}
}

func flockUntil(ctx context.Context, fd int, deadline time.Time, target string) error {
	for {
		err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return nil
		}

		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EINTR) {
			return fmt.Errorf("flock: %w", err)
		}

		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, target)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("acquiring flock %s: %w", target, ctx.Err())
		case <-time.After(flockPollInterval):
		}
	}
}

// release removes the lock file, unlocks, and closes, in that order.
// Removing while still holding the flock keeps waiters from locking a
// file that is about to disappear.
func (l *fileLock) release() error {
	if l.file == nil {
		return nil
	}

	removeErr := os.Remove(l.path)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		removeErr = fmt.Errorf("removing lock file: %w", removeErr)
	} else {
		removeErr = nil
	}

	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking: %w", unlockErr)
	}

	closeErr := l.file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	l.file = nil

	return errors.Join(removeErr, unlockErr, closeErr)
}
