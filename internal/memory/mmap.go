package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mmapFile maps size bytes of f read-only. The mapping stays valid after
// f is closed and must be released with munmap. Unix-only, like the rest
// of the file locking in this module.
func mmapFile(f *os.File, size int64) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return data, nil
}

func munmap(data []byte) error {
	err := unix.Munmap(data)
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}
