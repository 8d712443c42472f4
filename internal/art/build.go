package art

import (
	"errors"
	"time"

	"artidx/internal/base"
	"artidx/internal/node"
	"artidx/internal/pager"
	"artidx/internal/storage"
)

// BuildStats summarizes a bulk build.
type BuildStats struct {
	HeapTuples  int64 // rows offered
	IndexTuples int64 // rows inserted
	Skipped     int64
	Flushes     int
	Pages       uint32
	Duration    time.Duration
}

// Builder bulk-inserts through a build session: pages are worked on as
// private copies and written out whenever the cached set reaches the memory
// limit.
type Builder struct {
	tree  *Tree
	s     *pager.Session
	limit int64
	start time.Time
	stats BuildStats
}

// NewBuilder starts a build with a page cache capped at limit bytes.
func (t *Tree) NewBuilder(limit int64) *Builder {
	return &Builder{
		tree:  t,
		s:     t.pager.Begin(pager.Build, pager.WithMemoryLimit(limit)),
		limit: limit,
		start: time.Now(),
	}
}

// Add inserts one row. Rows that cannot be indexed are skipped: empty keys
// silently, oversized or prefix-conflicting keys with a warning. Only
// storage failures abort the build.
func (b *Builder) Add(key []byte, loc base.ItemPointer) error {
	b.stats.HeapTuples++
	if len(key) == 0 {
		b.stats.Skipped++
		return nil
	}
	if len(key) > node.MaxKeySize {
		b.stats.Skipped++
		b.warn("index row size exceeds maximum", key, loc)
		return nil
	}

	err := b.tree.Insert(b.s, key, loc)
	if errors.Is(err, storage.ErrAllocationExhausted) {
		// The failed insert touched no reachable node. Retry on an empty
		// cache; one row needs only a handful of pages, so the retry may
		// go past a ceiling too small to hold them.
		if err := b.flush(); err != nil {
			return err
		}
		b.s.SetMemoryLimit(0)
		err = b.tree.Insert(b.s, key, loc)
		b.s.SetMemoryLimit(b.limit)
	}
	if errors.Is(err, ErrKeyPrefix) {
		b.stats.Skipped++
		b.warn("key conflicts with an indexed key, skipping", key, loc)
		return nil
	}
	if err != nil {
		return err
	}
	b.stats.IndexTuples++

	if b.s.MemoryUsed() >= b.limit {
		return b.flush()
	}
	return nil
}

func (b *Builder) warn(msg string, key []byte, loc base.ItemPointer) {
	if b.tree.cfg.Logger != nil {
		b.tree.cfg.Logger.Warn(msg, "block", loc.Block, "offset", loc.Offset, "len", len(key))
	}
}

func (b *Builder) flush() error {
	used := b.s.MemoryUsed()
	n, err := b.s.Flush()
	if err != nil {
		return err
	}
	b.stats.Flushes++
	if b.tree.cfg.Logger != nil {
		b.tree.cfg.Logger.Info("flushed build cache", "pages", n, "bytes", used)
	}
	return b.s.Reset()
}

// Finish writes everything still cached and closes the build session.
func (b *Builder) Finish() (BuildStats, error) {
	if err := b.s.Close(); err != nil {
		return b.stats, err
	}
	b.stats.Flushes++
	b.stats.Pages = b.tree.pager.NumPages()
	b.stats.Duration = time.Since(b.start)
	if b.tree.cfg.Logger != nil {
		b.tree.cfg.Logger.Info("index build finished",
			"tuples", b.stats.IndexTuples,
			"skipped", b.stats.Skipped,
			"pages", b.stats.Pages,
			"duration", b.stats.Duration)
	}
	return b.stats, nil
}
