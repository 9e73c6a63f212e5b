package flux

import (
	"errors"
	"fmt"
	"os"

	"github.com/rahul1-bot/flux/internal/memory"
	"github.com/rahul1-bot/flux/internal/txn"
)

// Kind classifies an [Error].
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindLockTimeout      Kind = "lock_timeout"
	KindConflictDetected Kind = "conflict_detected"
	KindWriteFailure     Kind = "write_failure"
	KindDecodeFailure    Kind = "decode_failure"
	KindInternal         Kind = "internal"
)

// Error is the structured failure every [Engine] operation returns: a
// kind for dispatch, the path involved, and the underlying cause.
// Matching works through errors.As for the type and errors.Is for the
// wrapped sentinels (for example txn.ErrLockTimeout).
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// wrapError attaches kind and path to err. Errors that already carry a
// kind pass through unchanged.
func wrapError(path string, err error) error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return err
	}

	return &Error{Kind: classify(err), Path: path, Err: err}
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, txn.ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, txn.ErrConflict):
		return KindConflictDetected
	case errors.Is(err, txn.ErrWriteFailure):
		return KindWriteFailure
	case errors.Is(err, memory.ErrDecode), errors.Is(err, memory.ErrUnknownEncoding):
		return KindDecodeFailure
	default:
		return KindInternal
	}
}
