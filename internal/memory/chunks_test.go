package memory

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_Chunks_Reassembles_File_Content(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	content := strings.Repeat("0123456789", 100)
	path := writeTestFile(t, content)

	var got bytes.Buffer

	for chunk, err := range m.Chunks(path, 64) {
		if err != nil {
			t.Fatalf("Chunks: %v", err)
		}

		if len(chunk) > 64 {
			t.Fatalf("chunk length %d exceeds requested size 64", len(chunk))
		}

		got.Write(chunk)
	}

	if got.String() != content {
		t.Fatalf("reassembled %d bytes, want %d", got.Len(), len(content))
	}
}

func Test_Chunks_Ends_At_EOF_For_Empty_File(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	path := writeTestFile(t, "")

	count := 0

	for _, err := range m.Chunks(path, 16) {
		if err != nil {
			t.Fatalf("Chunks: %v", err)
		}

		count++
	}

	if count != 0 {
		t.Fatalf("yielded %d chunks for empty file, want 0", count)
	}
}

func Test_Chunks_Is_Not_Restartable(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	path := writeTestFile(t, "some content here")

	seq := m.Chunks(path, 4)

	first := 0
	for _, err := range seq {
		if err != nil {
			t.Fatalf("Chunks: %v", err)
		}

		first++
	}

	if first == 0 {
		t.Fatalf("first pass yielded nothing")
	}

	second := 0
	for range seq {
		second++
	}

	if second != 0 {
		t.Fatalf("second pass yielded %d chunks, want 0", second)
	}
}

func Test_Chunks_Yields_Error_For_Missing_File(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Config{})
	path := filepath.Join(t.TempDir(), "missing")

	var got error

	for _, err := range m.Chunks(path, 16) {
		got = err
	}

	if !errors.Is(got, os.ErrNotExist) {
		t.Fatalf("Chunks(missing): err = %v, want %v", got, os.ErrNotExist)
	}
}
