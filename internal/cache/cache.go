package cache

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"golang.org/x/sync/singleflight"

	"artidx/internal/base"
)

const (
	MinCacheSize = 16 // Minimum: hold a descent path plus a scan frontier
)

var ErrNotPinned = errors.New("frame is not pinned")

// Device is the durable page store behind the pool.
type Device interface {
	ReadPage(id base.PageID, page *base.Page) error
	WritePage(id base.PageID, page *base.Page) error
}

// Mode selects the latch taken on a pinned frame.
type Mode uint8

const (
	Shared Mode = iota
	Exclusive
)

// Frame is a resident page. Page may only be read while the frame is pinned
// and latched, and only written under an exclusive latch.
type Frame struct {
	id    base.PageID
	Page  *base.Page
	latch sync.RWMutex
	pins  int // guarded by Pool.mu
	dirty atomic.Bool
}

func (f *Frame) ID() base.PageID { return f.id }

func (f *Frame) MarkDirty() { f.dirty.Store(true) }

func (f *Frame) Dirty() bool { return f.dirty.Load() }

// Pool is the shared buffer pool. Pinned and dirty pages live in frames;
// clean unpinned images are kept in an LRU so they can be re-pinned
// without touching the device.
type Pool struct {
	mu       sync.Mutex
	dev      Device
	frames   map[base.PageID]*Frame
	clean    *freelru.LRU[base.PageID, *base.Page]
	loads    singleflight.Group
	capacity int
	gen      uint64 // device writes through the pool, guarded by mu

	// Stats
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writebacks atomic.Uint64
	prefetches atomic.Uint64
}

func hashPageID(id base.PageID) uint32 {
	var b [4]byte
	b[0], b[1], b[2], b[3] = byte(id), byte(id>>8), byte(id>>16), byte(id>>24)
	return uint32(xxhash.Sum64(b[:]))
}

// NewPool creates a pool in front of dev holding up to capacity clean pages.
func NewPool(dev Device, capacity int) (*Pool, error) {
	capacity = max(capacity, MinCacheSize)
	clean, err := freelru.New[base.PageID, *base.Page](uint32(capacity), hashPageID)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		dev:      dev,
		frames:   make(map[base.PageID]*Frame),
		clean:    clean,
		capacity: capacity,
	}
	return p, nil
}

// Pin makes page id resident, increments its pin count and takes the latch.
func (p *Pool) Pin(id base.PageID, mode Mode) (*Frame, error) {
	f, err := p.pin(id)
	if err != nil {
		return nil, err
	}
	if mode == Exclusive {
		f.latch.Lock()
	} else {
		f.latch.RLock()
	}
	return f, nil
}

func (p *Pool) pin(id base.PageID) (*Frame, error) {
	for {
		p.mu.Lock()
		if f, ok := p.frames[id]; ok {
			f.pins++
			p.mu.Unlock()
			p.hits.Add(1)
			return f, nil
		}
		if page, ok := p.clean.Get(id); ok {
			p.clean.Remove(id)
			f := p.install(id, page)
			p.mu.Unlock()
			p.hits.Add(1)
			return f, nil
		}
		gen := p.gen
		p.mu.Unlock()

		p.misses.Add(1)
		page, err := p.read(id, gen)
		p.mu.Lock()
		// Another caller may have installed the page while we were reading.
		if f, ok := p.frames[id]; ok {
			f.pins++
			p.mu.Unlock()
			return f, nil
		}
		if p.gen != gen {
			// a write-back may have raced the read
			p.mu.Unlock()
			continue
		}
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.clean.Remove(id) // a prefetch may have cached the same image
		f := p.install(id, page)
		p.mu.Unlock()
		return f, nil
	}
}

// read loads a private copy of page id from the device. Concurrent reads of
// the same page that observed the same write generation share one I/O.
func (p *Pool) read(id base.PageID, gen uint64) (*base.Page, error) {
	key := strconv.FormatUint(uint64(id), 10) + "@" + strconv.FormatUint(gen, 10)
	v, err, shared := p.loads.Do(key, func() (any, error) {
		page := new(base.Page)
		if err := p.dev.ReadPage(id, page); err != nil {
			return nil, err
		}
		return page, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load page %d: %w", id, err)
	}
	page := v.(*base.Page)
	if shared {
		cp := *page
		page = &cp
	}
	return page, nil
}

// Prefetch reads page id into the clean cache without pinning it. Pages
// already cached are left alone.
func (p *Pool) Prefetch(id base.PageID) error {
	p.mu.Lock()
	_, resident := p.frames[id]
	cached := resident || p.clean.Contains(id)
	gen := p.gen
	p.mu.Unlock()
	if cached {
		return nil
	}

	page, err := p.read(id, gen)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.frames[id]; ok || p.gen != gen || p.clean.Contains(id) {
		return nil
	}
	p.prefetches.Add(1)
	p.addClean(id, page)
	return nil
}

func (p *Pool) install(id base.PageID, page *base.Page) *Frame {
	f := &Frame{id: id, Page: page, pins: 1}
	p.frames[id] = f
	return f
}

// PinNew installs a zeroed page for a freshly extended block and pins it
// exclusively. Any stale image of the block is dropped.
func (p *Pool) PinNew(id base.PageID) *Frame {
	p.mu.Lock()
	if f, ok := p.frames[id]; ok {
		f.pins++
		p.mu.Unlock()
		f.latch.Lock()
		f.Page.Data = [base.PageSize]byte{}
		return f
	}
	p.clean.Remove(id)
	f := p.install(id, new(base.Page))
	p.mu.Unlock()
	f.latch.Lock()
	return f
}

// Unpin releases the latch and the pin. A frame whose last pin goes away is
// moved to the clean LRU, or kept resident until write-back if dirty.
func (p *Pool) Unpin(f *Frame, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.pins <= 0 {
		return ErrNotPinned
	}
	if mode == Exclusive {
		f.latch.Unlock()
	} else {
		f.latch.RUnlock()
	}
	f.pins--
	if f.pins > 0 {
		return nil
	}
	if !f.Dirty() {
		delete(p.frames, f.id)
		p.addClean(f.id, f.Page)
		return nil
	}
	if p.unpinnedDirtyLocked() > p.capacity {
		return p.writeBackLocked()
	}
	return nil
}

func (p *Pool) addClean(id base.PageID, page *base.Page) {
	if p.clean.Add(id, page) {
		p.evictions.Add(1)
	}
}

func (p *Pool) unpinnedDirtyLocked() int {
	n := 0
	for _, f := range p.frames {
		if f.pins == 0 && f.Dirty() {
			n++
		}
	}
	return n
}

// writeBackLocked writes every unpinned dirty frame. Nobody can pin while
// p.mu is held, so no latch is needed.
func (p *Pool) writeBackLocked() error {
	for id, f := range p.frames {
		if f.pins != 0 || !f.Dirty() {
			continue
		}
		if err := p.dev.WritePage(id, f.Page); err != nil {
			return fmt.Errorf("write back page %d: %w", id, err)
		}
		p.writebacks.Add(1)
		p.gen++
		f.dirty.Store(false)
		delete(p.frames, id)
		p.addClean(id, f.Page)
	}
	return nil
}

// Flush writes every dirty frame, pinned or not, to the device.
func (p *Pool) Flush() error {
	p.mu.Lock()
	var dirty []*Frame
	for _, f := range p.frames {
		if f.Dirty() {
			f.pins++
			dirty = append(dirty, f)
		}
	}
	p.mu.Unlock()

	var firstErr error
	for _, f := range dirty {
		f.latch.RLock()
		if firstErr == nil && f.Dirty() {
			if err := p.dev.WritePage(f.id, f.Page); err != nil {
				firstErr = fmt.Errorf("flush page %d: %w", f.id, err)
			} else {
				p.writebacks.Add(1)
				f.dirty.Store(false)
			}
		}
		f.latch.RUnlock()

		p.mu.Lock()
		p.gen++
		f.pins--
		if f.pins == 0 && !f.Dirty() {
			delete(p.frames, f.id)
			p.addClean(f.id, f.Page)
		}
		p.mu.Unlock()
	}
	return firstErr
}

// Invalidate drops a clean cached image of id, used after the page was
// written to the device behind the pool's back.
func (p *Pool) Invalidate(id base.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.clean.Remove(id)
}

// Resident reports whether id is pinned or dirty in a frame.
func (p *Pool) Resident(id base.PageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.frames[id]
	return ok
}

type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	WriteBacks uint64
	Prefetches uint64
	Frames     int
	Clean      int
}

// Stats returns cache statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	frames, clean := len(p.frames), p.clean.Len()
	p.mu.Unlock()
	return Stats{
		Hits:       p.hits.Load(),
		Misses:     p.misses.Load(),
		Evictions:  p.evictions.Load(),
		WriteBacks: p.writebacks.Load(),
		Prefetches: p.prefetches.Load(),
		Frames:     frames,
		Clean:      clean,
	}
}
