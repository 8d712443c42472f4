package pager

import (
	"artidx/internal/base"
)

// minHintFree is the smallest free space worth remembering: room for a
// Node4 and its line pointer.
const minHintFree = 64

// usable is the room on page available to a new item of the given kind.
// Leaf pages keep part of their free space back for locators appended to
// existing leaves.
func (s *Session) usable(page *base.Page, kind base.PageKind) int {
	free := page.FreeSpace()
	if kind == base.KindLeaf {
		free = int(float64(free) * s.pager.fillFactor)
	}
	return free
}

// usableAfter is what usable will report once an item of size bytes has
// been added to page.
func (s *Session) usableAfter(page *base.Page, kind base.PageKind, size int) int {
	free := max(page.FreeSpace()-size-base.LinePointerSize, 0)
	if kind == base.KindLeaf {
		free = int(float64(free) * s.pager.fillFactor)
	}
	return free
}

func (s *Session) fits(e *Entry, kind base.PageKind, size int) bool {
	return e.Page.Kind() == kind && s.usable(e.Page, kind) >= size
}

// GetPageWithFreeSpace returns a page of the given kind with room for an
// item of size bytes. The current tail page is tried first, then the
// free-space hints; otherwise a new page is allocated, linked from the old
// tail and recorded as the new tail in the metadata page. The caller owns
// one reference on the returned entry.
func (s *Session) GetPageWithFreeSpace(kind base.PageKind, size int) (*Entry, error) {
	if s.mode == Shared {
		return nil, ErrReadOnly
	}
	meta, err := s.Load(base.MetaPageID)
	if err != nil {
		return nil, err
	}
	defer s.Release(meta)
	m := meta.Page.ReadMeta()

	tailID := m.LastInternal
	if kind == base.KindLeaf {
		tailID = m.LastLeaf
	}
	tail, err := s.Load(tailID)
	if err != nil {
		return nil, err
	}
	if s.fits(tail, kind, size) {
		return tail, nil
	}

	hinted, changed, err := s.fromHints(&m, kind, size)
	if err != nil {
		_ = s.Release(tail)
		return nil, err
	}
	if hinted != nil {
		_ = s.Release(tail)
		if changed {
			meta.Page.WriteMeta(m)
			meta.dirty = true
		}
		return hinted, nil
	}

	fresh, err := s.allocate(kind)
	if err != nil {
		_ = s.Release(tail)
		return nil, err
	}

	t := tail.Page.DataTrailer()
	t.Next = fresh.ID
	tail.Page.SetDataTrailer(t)
	tail.dirty = true
	recordHint(&m, base.FreeHint{Page: tail.ID, Free: uint16(s.usable(tail.Page, kind)), Kind: kind})
	_ = s.Release(tail)

	if kind == base.KindLeaf {
		m.LastLeaf = fresh.ID
	} else {
		m.LastInternal = fresh.ID
	}
	m.NumPages = max(m.NumPages, uint32(fresh.ID)+1)
	meta.Page.WriteMeta(m)
	meta.dirty = true
	return fresh, nil
}

// fromHints looks for a previously abandoned page with enough room. Hints
// that no longer hold are dropped.
func (s *Session) fromHints(m *base.Meta, kind base.PageKind, size int) (*Entry, bool, error) {
	changed := false
	for i := range m.Hints {
		h := m.Hints[i]
		if h.Empty() || h.Kind != kind || int(h.Free) < size {
			continue
		}
		e, err := s.Load(h.Page)
		if err != nil {
			return nil, changed, err
		}
		if !s.fits(e, kind, size) {
			_ = s.Release(e)
			m.Hints[i] = base.FreeHint{}
			changed = true
			s.pager.staleHints.Add(1)
			s.pager.logger.Warn("dropped stale free space hint",
				"page", h.Page, "hint", h.Free, "free", s.usable(e.Page, kind))
			continue
		}
		left := s.usableAfter(e.Page, kind, size)
		if left < minHintFree {
			m.Hints[i] = base.FreeHint{}
		} else {
			m.Hints[i].Free = uint16(left)
		}
		return e, true, nil
	}
	return nil, changed, nil
}

// recordHint remembers h, evicting the smallest hint when the table is full.
func recordHint(m *base.Meta, h base.FreeHint) {
	if h.Free < minHintFree {
		return
	}
	smallest := -1
	for i, cur := range m.Hints {
		if cur.Empty() {
			m.Hints[i] = h
			return
		}
		if smallest < 0 || cur.Free < m.Hints[smallest].Free {
			smallest = i
		}
	}
	if m.Hints[smallest].Free < h.Free {
		m.Hints[smallest] = h
	}
}
