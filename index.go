package artidx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"artidx/internal/art"
	"artidx/internal/base"
	"artidx/internal/cache"
	"artidx/internal/node"
	"artidx/internal/pager"
	"artidx/internal/storage"
	"artidx/internal/wal"
)

// MaxKeySize is the longest key, in bytes, whose leaf fits on an empty page.
const MaxKeySize = node.MaxKeySize

// Index is a disk-resident adaptive radix tree mapping byte keys to row
// locators. It allows one writer at a time alongside any number of readers.
type Index struct {
	mu     sync.RWMutex // structure lock: writers exclusive, descents shared
	opts   Options
	store  *storage.Storage
	pager  *pager.Pager
	tree   *art.Tree
	wal    *wal.WAL // nil unless WithWAL
	closed atomic.Bool
}

// Open opens the index file at path, creating and formatting it when it does
// not exist. With the WAL enabled, committed pages left in <path>.wal by a
// crash are copied into the data file first.
func Open(path string, options ...Option) (*Index, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	store, err := storage.New(path)
	if err != nil {
		return nil, err
	}

	ix := &Index{opts: opts, store: store}
	if opts.wal {
		if ix.wal, err = wal.NewWAL(path+".wal", opts.syncMode.wal()); err != nil {
			_ = store.Close()
			return nil, err
		}
		if err := ix.recoverFromWAL(); err != nil {
			_ = ix.wal.Close()
			_ = store.Close()
			return nil, err
		}
	}

	pool, err := cache.NewPool(store, max(opts.cacheSize, cache.MinCacheSize))
	if err != nil {
		ix.closeFiles()
		return nil, err
	}
	ix.pager, err = pager.NewPager(store, pool, opts.leafFillFactor, pager.WithLogger(opts.logger))
	if err != nil {
		ix.closeFiles()
		return nil, err
	}
	ix.tree = art.New(ix.pager, art.Config{
		MaintainParents: opts.maintainParents,
		Readahead:       opts.readahead,
		Logger:          opts.logger,
	})
	return ix, nil
}

// recoverFromWAL writes every committed page image in the log back to the
// data file, syncs it and empties the log.
func (ix *Index) recoverFromWAL() error {
	n, err := ix.wal.Replay(func(id base.PageID, page *base.Page) error {
		return ix.store.WritePage(id, page)
	})
	if err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	if n > 0 {
		if err := ix.store.Sync(); err != nil {
			return err
		}
		ix.opts.logger.Info("recovered pages from wal", "pages", n)
	}
	return ix.wal.Truncate()
}

func (ix *Index) closeFiles() {
	if ix.wal != nil {
		_ = ix.wal.Close()
	}
	_ = ix.store.Close()
}

func (ix *Index) sessionOptions() []pager.SessionOption {
	if ix.wal == nil {
		return nil
	}
	return []pager.SessionOption{pager.WithJournal(pager.NewWALJournal(ix.wal))}
}

// Insert adds loc under key. Inserting an existing key appends loc to the
// locators already stored for it.
func (ix *Index) Insert(key []byte, loc Locator) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return ErrIndexClosed
	}

	s := ix.pager.Begin(pager.Exclusive, ix.sessionOptions()...)
	err := ix.tree.Insert(s, key, loc.pointer())
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if errors.Is(err, ErrKeyTooLarge) {
		ix.opts.logger.Warn("index row size exceeds maximum",
			"block", loc.Block, "offset", loc.Offset, "len", len(key))
	}
	return err
}

// Lookup returns every locator stored under key, earliest insert first.
func (ix *Index) Lookup(key []byte) ([]Locator, error) {
	sc, err := ix.Scan(key, OpEQ)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	var out []Locator
	for {
		loc, ok := sc.Next()
		if !ok {
			break
		}
		out = append(out, loc)
	}
	return out, sc.Err()
}

// Scan returns the locators of every key k for which "k op key" holds. The
// tree is searched up front; leaves are read as the scanner advances.
// Results are grouped by leaf, not sorted by key.
func (ix *Index) Scan(key []byte, op Op) (*Scanner, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOperator, op)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed.Load() {
		return nil, ErrIndexClosed
	}

	s := ix.pager.Begin(pager.Shared)
	sc, err := ix.tree.Search(s, key, op)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return &Scanner{ix: ix, scan: sc}, nil
}

// BuildResult summarizes a bulk build.
type BuildResult struct {
	HeapTuples  int64 // rows offered to the builder
	IndexTuples int64 // rows indexed
	Skipped     int64 // rows with empty, oversized or conflicting keys
	Pages       uint32
}

// Builder receives the rows of a bulk build.
type Builder struct {
	b *art.Builder
}

// Add indexes one row. Rows whose key cannot be indexed are skipped and
// counted; only storage failures are returned.
func (b *Builder) Add(key []byte, loc Locator) error {
	return b.b.Add(key, loc.pointer())
}

// Build bulk-loads an empty index with the rows fn feeds to the builder.
// Pages are built in a private cache that is written out whenever it reaches
// the build memory limit. Rows added before fn fails stay indexed.
func (ix *Index) Build(fn func(*Builder) error) (BuildResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return BuildResult{}, ErrIndexClosed
	}

	s := ix.pager.Begin(pager.Shared)
	meta, err := s.Meta()
	_ = s.Close()
	if err != nil {
		return BuildResult{}, err
	}
	if meta.Tuples > 0 {
		return BuildResult{}, ErrIndexNotEmpty
	}

	b := ix.tree.NewBuilder(ix.opts.buildMemoryLimit)
	fnErr := fn(&Builder{b: b})
	stats, err := b.Finish()
	if fnErr != nil {
		return BuildResult{}, fnErr
	}
	if err != nil {
		return BuildResult{}, err
	}
	if ix.wal != nil {
		if err := ix.logAll(); err != nil {
			return BuildResult{}, err
		}
	}
	return BuildResult{
		HeapTuples:  stats.HeapTuples,
		IndexTuples: stats.IndexTuples,
		Skipped:     stats.Skipped,
		Pages:       stats.Pages,
	}, nil
}

// logAll appends every page of the index to the WAL as one transaction.
func (ix *Index) logAll() error {
	s := ix.pager.Begin(pager.Shared)
	defer s.Close()

	txn := ix.wal.NextTxnID()
	for id := range base.PageID(ix.pager.NumPages()) {
		e, err := s.Load(id)
		if err != nil {
			return err
		}
		err = ix.wal.AppendPage(txn, id, e.Page)
		_ = s.Release(e)
		if err != nil {
			return err
		}
	}
	if err := ix.wal.AppendCommit(txn); err != nil {
		return err
	}
	return ix.wal.ForceSync()
}

// Sync writes every dirty page to the data file and fsyncs it. The WAL is
// emptied afterwards since the data file now holds everything it logged.
func (ix *Index) Sync() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Load() {
		return ErrIndexClosed
	}
	return ix.sync()
}

func (ix *Index) sync() error {
	var err error
	if ix.opts.syncMode == SyncOff {
		err = ix.pager.Pool().Flush()
	} else {
		err = ix.pager.Flush()
	}
	if err != nil {
		return err
	}
	if ix.wal != nil {
		return ix.wal.Truncate()
	}
	return nil
}

// Close syncs the index and releases its files. Closing twice is a no-op.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed.Swap(true) {
		return nil
	}

	err := ix.sync()
	if err != nil {
		ix.opts.logger.Error("write back on close failed", "error", err)
	}
	if ix.wal != nil {
		if werr := ix.wal.Close(); err == nil {
			err = werr
		}
	}
	if serr := ix.store.Close(); err == nil {
		err = serr
	}
	return err
}

// Stats reports cache and I/O counters and the page census of the index.
type Stats struct {
	CacheHits       uint64
	CacheMisses     uint64
	CacheEvictions  uint64
	CacheWriteBacks uint64
	CachePrefetches uint64
	PageReads       uint64
	PageWrites      uint64
	BytesRead       uint64
	BytesWritten    uint64
	StaleHints      uint64

	Pages         uint32
	InternalPages uint32
	LeafPages     uint32
	Tuples        uint64
}

func (ix *Index) Stats() (Stats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed.Load() {
		return Stats{}, ErrIndexClosed
	}

	ps := ix.pager.Stats()
	st := Stats{
		CacheHits:       ps.Cache.Hits,
		CacheMisses:     ps.Cache.Misses,
		CacheEvictions:  ps.Cache.Evictions,
		CacheWriteBacks: ps.Cache.WriteBacks,
		CachePrefetches: ps.Cache.Prefetches,
		PageReads:       ps.Store.Reads,
		PageWrites:      ps.Store.Writes,
		BytesRead:       ps.Store.Read,
		BytesWritten:    ps.Store.Written,
		StaleHints:      ps.StaleHints,
		Pages:           ix.pager.NumPages(),
	}

	s := ix.pager.Begin(pager.Shared)
	defer s.Close()
	meta, err := s.Meta()
	if err != nil {
		return st, err
	}
	st.Tuples = meta.Tuples
	for id := base.RootPageID; id < base.PageID(st.Pages); id++ {
		e, err := s.Load(id)
		if err != nil {
			return st, err
		}
		switch e.Page.Kind() {
		case base.KindNode:
			st.InternalPages++
		case base.KindLeaf:
			st.LeafPages++
		}
		_ = s.Release(e)
	}
	return st, nil
}

// VerifyStats counts the nodes, leaves and locators a verification walked.
type VerifyStats = art.VerifyStats

// Verify checks the structure of the whole tree.
func (ix *Index) Verify() (VerifyStats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed.Load() {
		return VerifyStats{}, ErrIndexClosed
	}
	s := ix.pager.Begin(pager.Shared)
	defer s.Close()
	return ix.tree.Verify(s)
}
