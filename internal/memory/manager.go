// Package memory provides low-latency random access to large text files.
//
// Files above a size threshold are memory-mapped; smaller files are
// loaded whole. A lazily built line index translates line numbers to byte
// offsets so range reads never scan the file, and a bounded LRU byte
// cache keeps hot ranges resident. The package is the read half of the
// storage core; all writes go through the transaction manager, which
// calls [Manager.Invalidate] after every commit.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Defaults applied by [NewManager] for zero-valued config fields.
const (
	DefaultMmapThreshold = 10 << 20 // 10 MiB
	DefaultChunkSize     = 1 << 20  // 1 MiB
	DefaultCacheCapacity = 1 << 30  // 1 GiB
)

// detectSampleSize bounds the bytes fed to encoding detection.
const detectSampleSize = 1024

// ErrManagerClosed reports use of a manager after CloseAll.
var ErrManagerClosed = errors.New("memory manager closed")

// ErrIsDirectory reports an open of a directory path.
var ErrIsDirectory = errors.New("is a directory")

// Config controls the read path.
type Config struct {
	// MmapThreshold is the file size, in bytes, at or above which files
	// are memory-mapped instead of loaded whole.
	MmapThreshold int64

	// ChunkSize is the default chunk length for [Manager.Chunks].
	ChunkSize int

	// CacheCapacity bounds the byte cache. <= 0 disables caching.
	CacheCapacity int64
}

func (c Config) withDefaults() Config {
	if c.MmapThreshold == 0 {
		c.MmapThreshold = DefaultMmapThreshold
	}

	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}

	if c.CacheCapacity == 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}

	return c
}

// Manager owns the path -> mapping table and the byte cache. Both are
// explicit arenas torn down by [Manager.CloseAll]; there is no global
// state. Safe for concurrent use, including reads racing [Manager.Invalidate]:
// a read pins its mapping for its duration, so invalidation only unmaps
// after the last in-flight reader drains.
type Manager struct {
	cfg   Config
	cache *Cache

	mu     sync.Mutex
	files  map[string]*MappedFile
	gen    uint64
	closed bool
}

// NewManager creates a manager with cfg, filling in defaults for zero
// fields.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()

	return &Manager{
		cfg:   cfg,
		cache: NewCache(cfg.CacheCapacity),
		files: make(map[string]*MappedFile),
	}
}

// MappedFile is one open file: its handle, its bytes (a memory mapping or
// a fully loaded buffer), and its lazily built line index. Lifetime is
// reference counted: the Manager's table holds one reference and every
// in-flight read holds another, so an Invalidate racing a reader only
// removes the table entry — the mapping is unmapped when the last reader
// drains. A reader that retained the old mapping keeps seeing the
// pre-invalidation bytes, which is exactly what it started reading.
type MappedFile struct {
	path   string
	file   *os.File
	data   []byte
	size   int64
	mapped bool
	gen    uint64

	refMu sync.Mutex
	refs  int

	indexMu    sync.Mutex
	indexState indexState
	indexDone  chan struct{}
	index      []int64
}

// Size returns the file's size in bytes at open time.
func (f *MappedFile) Size() int64 { return f.size }

// Mapped reports whether the file is memory-mapped rather than loaded.
func (f *MappedFile) Mapped() bool { return f.mapped }

type indexState uint8

const (
	indexNotStarted indexState = iota
	indexInProgress
	indexComplete
)

// ReadOptions selects what [Manager.Read] returns. Nil StartLine and
// EndLine mean "whole content". Lines are 0-based and EndLine is
// inclusive. An empty Encoding means "detect".
type ReadOptions struct {
	StartLine *int
	EndLine   *int
	Encoding  Encoding
}

// ReadResult is a decoded read plus the file facts callers need to page
// through it.
type ReadResult struct {
	Content   string
	Size      int64
	LineCount int
	Encoding  Encoding
}

// Open makes path's mapping resident. It is idempotent: a second Open of
// the same path reuses the existing mapping. Read calls Open implicitly;
// this is for callers that want to pay the open cost up front.
func (m *Manager) Open(path string) error {
	mf, err := m.open(path)
	if err != nil {
		return err
	}

	return mf.release()
}

// open returns the MappedFile for path, creating it on first access. The
// returned file carries a reference the caller must release.
func (m *Manager) open(path string) (*MappedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	if mf, ok := m.files[path]; ok {
		mf.retain()

		return mf, nil
	}

	mf, err := openFile(path, m.cfg.MmapThreshold)
	if err != nil {
		return nil, err
	}

	m.gen++
	mf.gen = m.gen
	mf.refs = 1 // the table's reference
	mf.retain() // the caller's

	m.files[path] = mf

	return mf, nil
}

func openFile(path string, mmapThreshold int64) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if info.IsDir() {
		_ = f.Close()

		return nil, fmt.Errorf("open %s: %w", path, ErrIsDirectory)
	}

	size := info.Size()

	mf := &MappedFile{path: path, file: f, size: size}

	switch {
	case size == 0:
		// A zero-length mapping is invalid on Linux; an empty buffer
		// behaves identically.
	case size >= mmapThreshold:
		mf.data, err = mmapFile(f, size)
		if err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("map %s: %w", path, err)
		}

		mf.mapped = true
	default:
		mf.data = make([]byte, size)

		_, err = io.ReadFull(f, mf.data)
		if err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	return mf, nil
}

// Read returns decoded content for path. With a line range it uses the
// line index to slice the mapping, consulting the byte cache first.
// Out-of-range lines clamp to [0, lineCount-1]; a start past EOF yields
// an empty Content with no error.
func (m *Manager) Read(ctx context.Context, path string, opts ReadOptions) (ReadResult, error) {
	mf, err := m.open(path)
	if err != nil {
		return ReadResult{}, err
	}

	defer func() { _ = mf.release() }()

	index, err := mf.lineIndex(ctx)
	if err != nil {
		return ReadResult{}, err
	}

	lineCount := mf.lineCount(index)

	var raw []byte

	if opts.StartLine == nil && opts.EndLine == nil {
		raw = mf.data
	} else {
		start, end, ok := clampLineRange(opts.StartLine, opts.EndLine, lineCount)
		if !ok {
			enc := opts.Encoding
			if enc == "" {
				enc = EncodingUTF8
			}

			return ReadResult{Size: mf.size, LineCount: lineCount, Encoding: enc}, nil
		}

		lo := index[start]
		hi := lineContentEnd(mf.data, index, mf.size, end)

		key := CacheKey{Path: path, Start: lo, End: hi, Gen: mf.gen}

		cached, ok := m.cache.Get(key)
		if ok {
			raw = cached
		} else {
			raw = mf.data[lo:hi]
			m.cache.Put(key, raw)
		}
	}

	enc := opts.Encoding
	if enc == "" {
		enc = DetectEncoding(raw[:min(len(raw), detectSampleSize)])
	}

	content, err := Decode(raw, enc)
	if err != nil {
		return ReadResult{}, fmt.Errorf("read %s: %w", path, err)
	}

	return ReadResult{Content: content, Size: mf.size, LineCount: lineCount, Encoding: enc}, nil
}

// LineIndex returns path's line-start offsets, building the index if this
// is the first access. The returned slice is the published index; callers
// must not modify it.
func (m *Manager) LineIndex(ctx context.Context, path string) ([]int64, error) {
	mf, err := m.open(path)
	if err != nil {
		return nil, err
	}

	defer func() { _ = mf.release() }()

	return mf.lineIndex(ctx)
}

// LineCount returns the number of lines in path. Zero-byte files count
// zero lines.
func (m *Manager) LineCount(ctx context.Context, path string) (int, error) {
	mf, err := m.open(path)
	if err != nil {
		return 0, err
	}

	defer func() { _ = mf.release() }()

	index, err := mf.lineIndex(ctx)
	if err != nil {
		return 0, err
	}

	return mf.lineCount(index), nil
}

// Invalidate drops path's cache entries and closes its mapping so the
// next access sees current on-disk content. Called by the transaction
// manager after every commit; already-open mappings are deliberately not
// refreshed any other way.
func (m *Manager) Invalidate(path string) error {
	m.cache.InvalidatePath(path)

	return m.Close(path)
}

// Close releases path's mapping and handle. Closing a path that is not
// open is a no-op. Safe against in-flight reads: the mapping is unmapped
// once the last reader drains, and readers that retained it keep reading
// the old bytes.
func (m *Manager) Close(path string) error {
	m.mu.Lock()

	mf, ok := m.files[path]
	if ok {
		delete(m.files, path)
	}

	m.mu.Unlock()

	if !ok {
		return nil
	}

	return mf.release()
}

// CloseAll releases every mapping and marks the manager closed. Further
// use returns [ErrManagerClosed].
func (m *Manager) CloseAll() error {
	m.mu.Lock()

	files := m.files
	m.files = make(map[string]*MappedFile)
	m.closed = true

	m.mu.Unlock()

	var errs []error

	for _, mf := range files {
		err := mf.release()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (f *MappedFile) retain() {
	f.refMu.Lock()
	f.refs++
	f.refMu.Unlock()
}

// release drops one reference and tears the file down when the count
// reaches zero. Non-final releases never fail.
func (f *MappedFile) release() error {
	f.refMu.Lock()
	f.refs--
	last := f.refs == 0
	f.refMu.Unlock()

	if !last {
		return nil
	}

	return f.close()
}

func (f *MappedFile) close() error {
	var unmapErr error

	if f.mapped {
		unmapErr = munmap(f.data)
		if unmapErr != nil {
			unmapErr = fmt.Errorf("unmap %s: %w", f.path, unmapErr)
		}
	}

	f.data = nil

	closeErr := f.file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close %s: %w", f.path, closeErr)
	}

	return errors.Join(unmapErr, closeErr)
}

// lineIndex returns the published index, building it exactly once. The
// build runs on its own goroutine; concurrent first accesses wait on the
// same completion channel, honoring ctx.
func (f *MappedFile) lineIndex(ctx context.Context) ([]int64, error) {
	f.indexMu.Lock()

	switch f.indexState {
	case indexComplete:
		index := f.index
		f.indexMu.Unlock()

		return index, nil
	case indexNotStarted:
		f.indexState = indexInProgress
		f.indexDone = make(chan struct{})

		// The builder owns a reference so the bytes stay mapped even if
		// every waiter bails out on ctx and the file is invalidated.
		f.retain()

		go f.buildIndex()
	case indexInProgress:
	}

	done := f.indexDone
	f.indexMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("line index %s: %w", f.path, ctx.Err())
	}

	f.indexMu.Lock()
	index := f.index
	f.indexMu.Unlock()

	return index, nil
}

func (f *MappedFile) buildIndex() {
	defer func() { _ = f.release() }()

	index := buildLineIndex(f.data)

	f.indexMu.Lock()
	f.index = index
	f.indexState = indexComplete
	f.indexMu.Unlock()

	close(f.indexDone)
}

func (f *MappedFile) lineCount(index []int64) int {
	if f.size == 0 {
		return 0
	}

	return len(index)
}

// buildLineIndex records offset 0 plus the offset following every line
// terminator strictly before EOF. "a\nb\nc\n" yields [0 2 4]; an empty
// file yields [0].
func buildLineIndex(data []byte) []int64 {
	index := []int64{0}
	pos := 0

	for {
		i := bytes.IndexByte(data[pos:], '\n')
		if i < 0 {
			break
		}

		pos += i + 1
		if pos >= len(data) {
			break
		}

		index = append(index, int64(pos))
	}

	return index
}

// clampLineRange resolves optional 0-based start/end lines against
// lineCount. ok is false when the resolved range selects nothing (empty
// file, start past EOF, or end before start).
func clampLineRange(startLine, endLine *int, lineCount int) (start, end int, ok bool) {
	if lineCount == 0 {
		return 0, 0, false
	}

	start = 0
	if startLine != nil {
		start = *startLine
	}

	end = lineCount - 1
	if endLine != nil {
		end = *endLine
	}

	if start >= lineCount {
		return 0, 0, false
	}

	start = max(start, 0)
	end = min(max(end, 0), lineCount-1)

	if end < start {
		return 0, 0, false
	}

	return start, end, true
}

// lineContentEnd returns the exclusive byte offset of line's content,
// excluding its trailing "\n" or "\r\n".
func lineContentEnd(data []byte, index []int64, size int64, line int) int64 {
	end := size
	if line+1 < len(index) {
		end = index[line+1]
	}

	start := index[line]

	if end > start && data[end-1] == '\n' {
		end--

		if end > start && data[end-1] == '\r' {
			end--
		}
	}

	return end
}
