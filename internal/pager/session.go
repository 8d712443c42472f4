package pager

import (
	"fmt"
	"maps"
	"slices"

	"artidx/internal/base"
	"artidx/internal/cache"
	"artidx/internal/storage"
)

// Mode is the access mode of a session.
type Mode uint8

const (
	// Shared sessions only read; pages are latched shared.
	Shared Mode = iota
	// Exclusive sessions modify live pool pages under exclusive latches.
	Exclusive
	// Build sessions work on private copies and fresh pages without
	// latching, and merge them back on Flush.
	Build
)

// Journal receives the full images of pages dirtied by a session before
// they can reach the data file.
type Journal interface {
	LogPages(ids []base.PageID, pages []*base.Page) error
}

// Entry is a reference-counted handle on a page held by a session.
type Entry struct {
	ID   base.PageID
	Page *base.Page

	refs   int
	dirty  bool
	isCopy bool
	fresh  bool // allocated by a build session, not on the device yet
	frame  *cache.Frame
}

func (e *Entry) Refs() int    { return e.refs }
func (e *Entry) Dirty() bool  { return e.dirty }
func (e *Entry) IsCopy() bool { return e.isCopy }

func (e *Entry) Item(slot uint16) ([]byte, error) {
	return e.Page.Item(slot)
}

// Session is the working set of one operation: every page it touches is
// held in an Entry until released. Close releases whatever is left, so
//
//	s := p.Begin(pager.Exclusive)
//	defer s.Close()
//
// bounds page lifetimes on every exit path. A session is not safe for
// concurrent use.
type Session struct {
	pager     *Pager
	mode      Mode
	entries   map[base.PageID]*Entry
	journal   Journal
	memLimit  int64
	nextBlock base.PageID
	allocated int
	closed    bool
}

type SessionOption func(*Session)

// WithJournal logs dirty pages at Close, before they are unpinned.
func WithJournal(j Journal) SessionOption {
	return func(s *Session) {
		s.journal = j
	}
}

// WithMemoryLimit caps the bytes of unwritten pages a build session may
// hold. Allocating a page past the cap fails with
// storage.ErrAllocationExhausted. Clean copies do not count; they can be
// dropped by Reset at any time.
func WithMemoryLimit(bytes int64) SessionOption {
	return func(s *Session) {
		s.memLimit = bytes
	}
}

// SetMemoryLimit replaces the allocation cap. Zero lifts it.
func (s *Session) SetMemoryLimit(bytes int64) {
	s.memLimit = bytes
}

// Begin starts a session.
func (p *Pager) Begin(mode Mode, opts ...SessionOption) *Session {
	s := &Session{
		pager:   p,
		mode:    mode,
		entries: make(map[base.PageID]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if mode == Build {
		s.nextBlock = base.PageID(p.dev.NumPages())
	}
	return s
}

func (s *Session) Mode() Mode { return s.mode }

// Held returns the number of entries in the working set.
func (s *Session) Held() int { return len(s.entries) }

// Allocated returns the number of pages this session created.
func (s *Session) Allocated() int { return s.allocated }

// MemoryUsed is the page memory cached by the session.
func (s *Session) MemoryUsed() int64 {
	return int64(len(s.entries)) * base.PageSize
}

// DirtyMemory is the page memory a Flush would have to write.
func (s *Session) DirtyMemory() int64 {
	n := 0
	for _, e := range s.entries {
		if e.dirty {
			n++
		}
	}
	return int64(n) * base.PageSize
}

func (s *Session) latchMode() cache.Mode {
	if s.mode == Shared {
		return cache.Shared
	}
	return cache.Exclusive
}

// Load returns a handle on page id. A page already in the working set is
// shared and its reference count incremented.
func (s *Session) Load(id base.PageID) (*Entry, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if e, ok := s.entries[id]; ok {
		e.refs++
		return e, nil
	}
	if s.mode == Build {
		return s.Copy(id)
	}

	f, err := s.pager.pool.Pin(id, s.latchMode())
	if err != nil {
		return nil, err
	}
	e := &Entry{ID: id, Page: f.Page, refs: 1, frame: f}
	s.entries[id] = e
	return e, nil
}

// Copy returns a private snapshot of page id for a build session. The live
// page is latched only for the duration of the copy.
func (s *Session) Copy(id base.PageID) (*Entry, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.mode != Build {
		return nil, fmt.Errorf("copy page %d outside a build session: %w", id, ErrReadOnly)
	}
	if e, ok := s.entries[id]; ok {
		e.refs++
		return e, nil
	}

	f, err := s.pager.pool.Pin(id, cache.Shared)
	if err != nil {
		return nil, err
	}
	page := new(base.Page)
	*page = *f.Page
	if err := s.pager.pool.Unpin(f, cache.Shared); err != nil {
		return nil, err
	}

	e := &Entry{ID: id, Page: page, refs: 1, isCopy: true}
	s.entries[id] = e
	return e, nil
}

// Release drops one reference. Only the last reference hands the page back:
// dirty pages are marked for write-back and the latch is released. Build
// sessions keep released copies cached until Flush, and journaled sessions
// keep dirty pages pinned until Close has logged them.
func (s *Session) Release(e *Entry) error {
	if e == nil {
		return nil
	}
	if held, ok := s.entries[e.ID]; !ok || held != e {
		return ErrNotHeld
	}
	if e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	if s.mode == Build || (e.dirty && s.journal != nil) {
		return nil
	}
	delete(s.entries, e.ID)
	return s.unpin(e)
}

func (s *Session) unpin(e *Entry) error {
	if e.frame == nil {
		return nil
	}
	if e.dirty {
		e.frame.MarkDirty()
	}
	f := e.frame
	e.frame = nil
	return s.pager.pool.Unpin(f, s.latchMode())
}

func (s *Session) writable(e *Entry) error {
	if s.mode == Shared {
		return fmt.Errorf("page %d: %w", e.ID, ErrReadOnly)
	}
	return nil
}

// MarkDirty flags the page for write-back.
func (s *Session) MarkDirty(e *Entry) error {
	if err := s.writable(e); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

// AddItem appends an item to the page and bumps its item count.
func (s *Session) AddItem(e *Entry, item []byte) (uint16, error) {
	if err := s.writable(e); err != nil {
		return 0, err
	}
	slot, err := e.Page.AddItem(item)
	if err != nil {
		return 0, err
	}
	t := e.Page.DataTrailer()
	t.ItemCount++
	e.Page.SetDataTrailer(t)
	e.dirty = true
	return slot, nil
}

// OverwriteItem rewrites an item in place.
func (s *Session) OverwriteItem(e *Entry, slot uint16, item []byte) error {
	if err := s.writable(e); err != nil {
		return err
	}
	if err := e.Page.OverwriteItem(slot, item); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

// DeleteItem marks an item dead without compacting the page and accounts
// for it in the trailer.
func (s *Session) DeleteItem(e *Entry, slot uint16) error {
	if err := s.writable(e); err != nil {
		return err
	}
	n, err := e.Page.DeleteItem(slot)
	if err != nil {
		return err
	}
	t := e.Page.DataTrailer()
	t.DeletedCount++
	t.DeletedBytes += uint16(n)
	e.Page.SetDataTrailer(t)
	e.dirty = true
	return nil
}

// Meta reads the metadata page.
func (s *Session) Meta() (base.Meta, error) {
	e, err := s.Load(base.MetaPageID)
	if err != nil {
		return base.Meta{}, err
	}
	defer s.Release(e)
	return e.Page.ReadMeta(), nil
}

// UpdateMeta applies fn to the metadata page.
func (s *Session) UpdateMeta(fn func(*base.Meta)) error {
	e, err := s.Load(base.MetaPageID)
	if err != nil {
		return err
	}
	defer s.Release(e)
	if err := s.writable(e); err != nil {
		return err
	}
	m := e.Page.ReadMeta()
	fn(&m)
	e.Page.WriteMeta(m)
	e.dirty = true
	return nil
}

// allocate creates a new data page. Build sessions number pages themselves
// and keep them in memory; other sessions extend the device under its
// extension lock.
func (s *Session) allocate(kind base.PageKind) (*Entry, error) {
	if s.mode == Build {
		if s.memLimit > 0 && s.DirtyMemory()+base.PageSize > s.memLimit {
			return nil, storage.ErrAllocationExhausted
		}
		page := new(base.Page)
		page.InitData(kind)
		e := &Entry{ID: s.nextBlock, Page: page, refs: 1, dirty: true, isCopy: true, fresh: true}
		s.entries[e.ID] = e
		s.nextBlock++
		s.allocated++
		return e, nil
	}

	id, err := s.pager.dev.Extend()
	if err != nil {
		return nil, err
	}
	f := s.pager.pool.PinNew(id)
	f.Page.InitData(kind)
	e := &Entry{ID: id, Page: f.Page, refs: 1, dirty: true, frame: f}
	s.entries[id] = e
	s.allocated++
	return e, nil
}

// Flush writes a build session's pages: fresh pages go straight to the
// device, dirty copies are merged into their live pages under an exclusive
// latch, then the pool is flushed. Returns the number of pages written.
func (s *Session) Flush() (int, error) {
	if s.mode != Build {
		return 0, nil
	}
	written := 0
	for _, id := range slices.Sorted(maps.Keys(s.entries)) {
		e := s.entries[id]
		if !e.dirty {
			continue
		}
		if e.fresh {
			if err := s.pager.dev.WritePage(id, e.Page); err != nil {
				return written, err
			}
			s.pager.pool.Invalidate(id)
		} else {
			f, err := s.pager.pool.Pin(id, cache.Exclusive)
			if err != nil {
				return written, err
			}
			*f.Page = *e.Page
			f.MarkDirty()
			if err := s.pager.pool.Unpin(f, cache.Exclusive); err != nil {
				return written, err
			}
		}
		e.dirty, e.fresh = false, false
		written++
	}
	return written, s.pager.pool.Flush()
}

// Reset drops every cached copy of a build session and re-seeds the cache
// with the metadata page and the two allocation tails.
func (s *Session) Reset() error {
	if s.mode != Build {
		return nil
	}
	for _, e := range s.entries {
		if e.dirty {
			return fmt.Errorf("reset with unflushed page %d", e.ID)
		}
	}
	clear(s.entries)

	m, err := s.Meta()
	if err != nil {
		return err
	}
	for _, id := range []base.PageID{m.LastInternal, m.LastLeaf} {
		e, err := s.Load(id)
		if err != nil {
			return err
		}
		_ = s.Release(e)
	}
	return nil
}

// Dirty returns the dirty pages of the working set in block order.
func (s *Session) Dirty() ([]base.PageID, []*base.Page) {
	var ids []base.PageID
	var pages []*base.Page
	for _, id := range slices.Sorted(maps.Keys(s.entries)) {
		if e := s.entries[id]; e.dirty {
			ids = append(ids, id)
			pages = append(pages, e.Page)
		}
	}
	return ids, pages
}

// Close releases every handle still held. Build sessions flush first,
// journaled sessions log their dirty pages first.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	switch {
	case s.mode == Build:
		_, firstErr = s.Flush()
	case s.journal != nil:
		if ids, pages := s.Dirty(); len(ids) > 0 {
			if err := s.journal.LogPages(ids, pages); err != nil {
				firstErr = fmt.Errorf("log %d pages: %w", len(ids), err)
			}
		}
	}

	for _, e := range s.entries {
		if err := s.unpin(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.entries = nil
	return firstErr
}
