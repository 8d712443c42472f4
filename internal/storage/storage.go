package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"artidx/internal/base"
)

var (
	ErrAllocationExhausted = errors.New("page allocation exhausted")
	ErrBlockOutOfRange     = errors.New("block number out of range")
	ErrClosed              = errors.New("storage closed")
)

// Storage is the durable page device backing an index file.
type Storage struct {
	file    *os.File
	bufPool sync.Pool

	// extendMu serializes extensions within the process, the file lock
	// serializes them across processes.
	extendMu sync.Mutex
	numPages atomic.Uint32
	maxPages uint32
	closed   atomic.Bool

	// Stats counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
	extends atomic.Uint64
}

type Option func(*Storage)

// WithMaxPages caps the number of blocks the file may hold.
func WithMaxPages(n uint32) Option {
	return func(s *Storage) {
		s.maxPages = n
	}
}

// New opens or creates the file at path.
func New(path string, opts ...Option) (*Storage, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size()%base.PageSize != 0 {
		_ = file.Close()
		return nil, fmt.Errorf("file size %d is not a multiple of page size %d: %w",
			info.Size(), base.PageSize, base.ErrInvalidPageSize)
	}

	s := &Storage{
		file:     file,
		maxPages: uint32(base.InvalidPageID),
		bufPool: sync.Pool{
			New: func() any {
				return new(base.Page)
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.numPages.Store(uint32(info.Size() / base.PageSize))
	return s, nil
}

// NumPages returns the number of blocks in the file.
func (s *Storage) NumPages() uint32 {
	return s.numPages.Load()
}

// Empty returns whether the file holds no pages
func (s *Storage) Empty() bool {
	return s.numPages.Load() == 0
}

// ReadPage reads a block into page and verifies its checksum.
func (s *Storage) ReadPage(id base.PageID, page *base.Page) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if uint32(id) >= s.numPages.Load() {
		return fmt.Errorf("read block %d of %d: %w", id, s.numPages.Load(), ErrBlockOutOfRange)
	}

	s.reads.Add(1)
	n, err := s.file.ReadAt(page.Data[:], int64(id)*base.PageSize)
	s.read.Add(uint64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if n != base.PageSize {
		return fmt.Errorf("short read: got %d bytes, expected %d", n, base.PageSize)
	}
	if err := page.Verify(); err != nil {
		return fmt.Errorf("block %d: %w", id, err)
	}
	return nil
}

// WritePage seals a copy of page with its checksum and writes it at id.
// The caller's page is not modified. Writing past the end grows the file.
func (s *Storage) WritePage(id base.PageID, page *base.Page) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if uint32(id) >= s.maxPages {
		return fmt.Errorf("write block %d: %w", id, ErrAllocationExhausted)
	}

	buf := s.bufPool.Get().(*base.Page)
	defer s.bufPool.Put(buf)
	*buf = *page
	if !buf.IsNew() {
		buf.Seal()
	}

	s.writes.Add(1)
	n, err := s.file.WriteAt(buf.Data[:], int64(id)*base.PageSize)
	s.written.Add(uint64(n))
	if err != nil {
		return err
	}
	if n != base.PageSize {
		return fmt.Errorf("short write: wrote %d bytes, expected %d", n, base.PageSize)
	}

	for {
		cur := s.numPages.Load()
		if uint32(id) < cur || s.numPages.CompareAndSwap(cur, uint32(id)+1) {
			break
		}
	}
	return nil
}

// Extend appends one zeroed block under the extension lock and returns its
// number.
func (s *Storage) Extend() (base.PageID, error) {
	s.extendMu.Lock()
	defer s.extendMu.Unlock()

	if err := lockFile(s.file); err != nil {
		return 0, fmt.Errorf("extension lock: %w", err)
	}
	defer func() { _ = unlockFile(s.file) }()

	id := base.PageID(s.numPages.Load())
	if uint32(id) >= s.maxPages {
		return 0, fmt.Errorf("extend past block %d: %w", id, ErrAllocationExhausted)
	}
	var zero base.Page
	if err := s.WritePage(id, &zero); err != nil {
		return 0, err
	}
	s.extends.Add(1)
	return id, nil
}

// Sync flushes buffered writes to disk
func (s *Storage) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return datasync(s.file)
}

// Close closes the file
func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.file.Close()
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
	Extends uint64
}

// Stats returns I/O statistics
func (s *Storage) Stats() Stats {
	return Stats{
		Reads:   s.reads.Load(),
		Writes:  s.writes.Load(),
		Read:    s.read.Load(),
		Written: s.written.Load(),
		Extends: s.extends.Load(),
	}
}
