package memory

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync/atomic"
)

// Chunks returns a finite, single-use sequence of byte chunks read
// sequentially from path. It reads through a fresh file handle, never the
// mapping, so streaming a multi-gigabyte file costs one chunk of memory
// at a time. The sequence ends at EOF; ranging over it a second time
// yields nothing. A chunkSize <= 0 uses the configured default.
//
// Each yielded chunk is freshly allocated and stays valid after the loop
// advances.
func (m *Manager) Chunks(path string, chunkSize int) iter.Seq2[[]byte, error] {
	if chunkSize <= 0 {
		chunkSize = m.cfg.ChunkSize
	}

	var consumed atomic.Bool

	return func(yield func([]byte, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			return
		}

		f, err := os.Open(path)
		if err != nil {
			yield(nil, fmt.Errorf("open %s: %w", path, err))

			return
		}

		defer func() { _ = f.Close() }()

		for {
			buf := make([]byte, chunkSize)

			n, err := f.Read(buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}

			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				yield(nil, fmt.Errorf("read %s: %w", path, err))

				return
			}
		}
	}
}
