package pager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artidx/internal/base"
	"artidx/internal/cache"
	"artidx/internal/node"
	"artidx/internal/storage"
)

func createTestPager(t *testing.T, fillFactor float64, opts ...storage.Option) (*Pager, *storage.Storage) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.idx"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool, err := cache.NewPool(store, 64)
	require.NoError(t, err)
	p, err := NewPager(store, pool, fillFactor)
	require.NoError(t, err)
	return p, store
}

type recordingJournal struct {
	ids [][]base.PageID
}

func (j *recordingJournal) LogPages(ids []base.PageID, _ []*base.Page) error {
	j.ids = append(j.ids, ids)
	return nil
}

func TestPagerFormat(t *testing.T) {
	t.Parallel()

	p, store := createTestPager(t, 0.8)
	assert.Equal(t, uint32(3), store.NumPages())

	s := p.Begin(Shared)
	defer s.Close()

	m, err := s.Meta()
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	assert.Equal(t, base.RootPageID, m.LastInternal)
	assert.Equal(t, base.FirstLeafPageID, m.LastLeaf)

	root, err := s.Load(RootRef.Block)
	require.NoError(t, err)
	item, err := root.Item(RootRef.Offset)
	require.NoError(t, err)
	n, err := node.Decode(item)
	require.NoError(t, err)
	assert.Equal(t, node.Kind256, n.Kind)
	assert.Equal(t, base.KindNode, root.Page.Kind())
	assert.Equal(t, uint16(1), root.Page.DataTrailer().ItemCount)
	require.NoError(t, s.Release(root))

	leaf, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	assert.Equal(t, base.KindLeaf, leaf.Page.Kind())
	assert.Equal(t, 0, leaf.Page.NumSlots())
}

func TestPagerReopenValidatesMeta(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.idx")
	store, err := storage.New(path)
	require.NoError(t, err)
	var junk base.Page
	junk.InitData(base.KindLeaf)
	require.NoError(t, store.WritePage(0, &junk))
	pool, err := cache.NewPool(store, 16)
	require.NoError(t, err)

	_, err = NewPager(store, pool, 0.8)
	assert.ErrorIs(t, err, base.ErrInvalidMagicNumber)
	require.NoError(t, store.Close())
}

func TestReleaseOnlyLastReferenceUnpins(t *testing.T) {
	t.Parallel()

	p, store := createTestPager(t, 0.8)
	s := p.Begin(Exclusive)
	defer s.Close()

	a, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	b, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.Refs())

	_, err = s.AddItem(a, []byte("item"))
	require.NoError(t, err)
	writes := store.Stats().Writes

	require.NoError(t, s.Release(a))
	assert.Equal(t, 1, b.Refs())
	assert.Equal(t, 1, s.Held())
	assert.True(t, p.Pool().Resident(base.FirstLeafPageID))
	assert.Equal(t, writes, store.Stats().Writes, "no write-back while referenced")

	require.NoError(t, s.Release(b))
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, writes, store.Stats().Writes, "dirty page waits for write-back")

	assert.ErrorIs(t, s.Release(b), ErrNotHeld)

	require.NoError(t, p.Flush())
	assert.Equal(t, writes+1, store.Stats().Writes)
}

func TestCloseReleasesLeakedHandles(t *testing.T) {
	t.Parallel()

	p, _ := createTestPager(t, 0.8)
	s := p.Begin(Exclusive)
	for _, id := range []base.PageID{0, 1, 2} {
		_, err := s.Load(id)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	for _, id := range []base.PageID{0, 1, 2} {
		assert.False(t, p.Pool().Resident(id))
	}
	_, err := s.Load(0)
	assert.ErrorIs(t, err, ErrSessionClosed)

	// A shared session can pin the pages again without blocking
	r := p.Begin(Shared)
	defer r.Close()
	_, err = r.Load(1)
	require.NoError(t, err)
}

func TestSharedSessionIsReadOnly(t *testing.T) {
	t.Parallel()

	p, _ := createTestPager(t, 0.8)
	s := p.Begin(Shared)
	defer s.Close()

	e, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	_, err = s.AddItem(e, []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, s.MarkDirty(e), ErrReadOnly)
	_, err = s.GetPageWithFreeSpace(base.KindLeaf, 10)
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = s.Copy(1)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestGetPageWithFreeSpaceExtends(t *testing.T) {
	t.Parallel()

	p, store := createTestPager(t, 0.8)
	s := p.Begin(Exclusive)
	defer s.Close()

	item := make([]byte, 1000)
	var pages []base.PageID
	for i := 0; i < 12; i++ {
		e, err := s.GetPageWithFreeSpace(base.KindLeaf, len(item))
		require.NoError(t, err)
		_, err = s.AddItem(e, item)
		require.NoError(t, err)
		pages = append(pages, e.ID)
		require.NoError(t, s.Release(e))
	}

	// 0.8 of the leaf page's free space takes seven 1000 byte items
	assert.Equal(t, base.FirstLeafPageID, pages[0])
	assert.Equal(t, base.FirstLeafPageID, pages[6])
	assert.Equal(t, base.PageID(3), pages[7])
	assert.Equal(t, uint32(4), store.NumPages())

	m, err := s.Meta()
	require.NoError(t, err)
	assert.Equal(t, base.PageID(3), m.LastLeaf)
	assert.Equal(t, base.RootPageID, m.LastInternal)
	assert.Equal(t, uint32(4), m.NumPages)
	// 1132 bytes were left, 0.8 of them is usable
	assert.Equal(t, base.FreeHint{Page: 2, Free: 905, Kind: base.KindLeaf}, m.Hints[0])

	old, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	assert.Equal(t, base.PageID(3), old.Page.DataTrailer().Next, "old tail links to the new one")
	assert.Equal(t, uint16(7), old.Page.DataTrailer().ItemCount)
	require.NoError(t, s.Release(old))

	// Node pages do not keep a reserve
	n, err := s.GetPageWithFreeSpace(base.KindNode, 1555)
	require.NoError(t, err)
	assert.Equal(t, base.RootPageID, n.ID)
	require.NoError(t, s.Release(n))
}

func TestGetPageWithFreeSpaceUsesHints(t *testing.T) {
	t.Parallel()

	p, _ := createTestPager(t, 1.0)
	s := p.Begin(Exclusive)
	defer s.Close()

	// Leave 1000 bytes on the first leaf page, then force a new tail
	e, err := s.GetPageWithFreeSpace(base.KindLeaf, base.MaxItemSize-1004)
	require.NoError(t, err)
	_, err = s.AddItem(e, make([]byte, base.MaxItemSize-1004))
	require.NoError(t, err)
	require.NoError(t, s.Release(e))

	e, err = s.GetPageWithFreeSpace(base.KindLeaf, 2000)
	require.NoError(t, err)
	assert.Equal(t, base.PageID(3), e.ID)
	require.NoError(t, s.Release(e))

	m, err := s.Meta()
	require.NoError(t, err)
	assert.Equal(t, base.FreeHint{Page: 2, Free: 1000, Kind: base.KindLeaf}, m.Hints[0])

	// Fill the tail so only the hinted page fits
	tail, err := s.Load(3)
	require.NoError(t, err)
	_, err = s.AddItem(tail, make([]byte, tail.Page.FreeSpace()-100))
	require.NoError(t, err)
	require.NoError(t, s.Release(tail))

	e, err = s.GetPageWithFreeSpace(base.KindLeaf, 800)
	require.NoError(t, err)
	assert.Equal(t, base.FirstLeafPageID, e.ID)
	require.NoError(t, s.Release(e))

	m, err = s.Meta()
	require.NoError(t, err)
	assert.Equal(t, uint16(1000-800-base.LinePointerSize), m.Hints[0].Free)

	// Consume the hinted page behind the hint's back
	e, err = s.Load(2)
	require.NoError(t, err)
	_, err = s.AddItem(e, make([]byte, e.Page.FreeSpace()))
	require.NoError(t, err)
	require.NoError(t, s.Release(e))

	e, err = s.GetPageWithFreeSpace(base.KindLeaf, 150)
	require.NoError(t, err)
	assert.Equal(t, base.PageID(4), e.ID, "stale hint is skipped")
	require.NoError(t, s.Release(e))
	assert.Equal(t, uint64(1), p.Stats().StaleHints)

	m, err = s.Meta()
	require.NoError(t, err)
	assert.True(t, m.Hints[0].Empty() || m.Hints[0].Page != 2)
}

func TestRecordHintEvictsSmallest(t *testing.T) {
	t.Parallel()

	var m base.Meta
	for i := 0; i < base.NumFreeHints; i++ {
		recordHint(&m, base.FreeHint{Page: base.PageID(10 + i), Free: uint16(100 + i*10), Kind: base.KindNode})
	}
	recordHint(&m, base.FreeHint{Page: 99, Free: 50, Kind: base.KindNode})
	assert.Equal(t, base.PageID(10), m.Hints[0].Page, "smaller than every hint")

	recordHint(&m, base.FreeHint{Page: 99, Free: 500, Kind: base.KindNode})
	assert.Equal(t, base.PageID(99), m.Hints[0].Page)

	recordHint(&m, base.FreeHint{Page: 7, Free: minHintFree - 1, Kind: base.KindNode})
	for _, h := range m.Hints {
		assert.NotEqual(t, base.PageID(7), h.Page)
	}
}

func TestJournalSeesDirtyPagesBeforeUnpin(t *testing.T) {
	t.Parallel()

	p, store := createTestPager(t, 0.8)
	j := &recordingJournal{}
	s := p.Begin(Exclusive, WithJournal(j))

	e, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	_, err = s.AddItem(e, []byte("logged"))
	require.NoError(t, err)
	require.NoError(t, s.Release(e))
	assert.Equal(t, 1, s.Held(), "dirty page stays pinned until logged")

	clean, err := s.Load(base.RootPageID)
	require.NoError(t, err)
	require.NoError(t, s.Release(clean))

	require.NoError(t, s.Close())
	require.Len(t, j.ids, 1)
	assert.Equal(t, []base.PageID{base.FirstLeafPageID}, j.ids[0])

	require.NoError(t, p.Flush())
	var got base.Page
	require.NoError(t, store.ReadPage(base.FirstLeafPageID, &got))
	item, err := got.Item(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("logged"), item)
}

func TestBuildSessionCopiesAndFlushes(t *testing.T) {
	t.Parallel()

	p, store := createTestPager(t, 0.8)
	s := p.Begin(Build, WithMemoryLimit(5*base.PageSize))

	leaf, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	assert.True(t, leaf.IsCopy())
	_, err = s.AddItem(leaf, []byte("copy"))
	require.NoError(t, err)
	_, err = s.AddItem(leaf, make([]byte, 3000))
	require.NoError(t, err)
	require.NoError(t, s.Release(leaf))
	assert.Equal(t, 1, s.Held(), "released copies stay cached")
	assert.False(t, p.Pool().Resident(base.FirstLeafPageID), "copies never pin the live page")

	// Fresh pages are numbered past the end of the device
	var fresh []base.PageID
	for i := 0; i < 3; i++ {
		e, err := s.GetPageWithFreeSpace(base.KindLeaf, 4500)
		require.NoError(t, err)
		_, err = s.AddItem(e, make([]byte, 4500))
		require.NoError(t, err)
		fresh = append(fresh, e.ID)
		require.NoError(t, s.Release(e))
	}
	assert.Equal(t, []base.PageID{3, 4, 5}, fresh)
	assert.Equal(t, uint32(3), store.NumPages(), "nothing written before flush")

	// meta + leaf + three fresh pages fill the limit
	_, err = s.GetPageWithFreeSpace(base.KindLeaf, 4500)
	assert.ErrorIs(t, err, storage.ErrAllocationExhausted)

	n, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint32(6), store.NumPages())

	require.NoError(t, s.Reset())
	assert.Equal(t, 3, s.Held(), "meta and the two tails")

	var got base.Page
	require.NoError(t, store.ReadPage(base.FirstLeafPageID, &got))
	item, err := got.Item(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("copy"), item)
	assert.Equal(t, base.PageID(3), got.DataTrailer().Next)

	require.NoError(t, store.ReadPage(0, &got))
	assert.Equal(t, base.PageID(5), got.ReadMeta().LastLeaf)
	assert.Equal(t, uint32(6), got.ReadMeta().NumPages)

	require.NoError(t, s.Close())
}

func TestBuildMemoryLimitCountsDirtyPages(t *testing.T) {
	t.Parallel()

	p, _ := createTestPager(t, 0.8)
	s := p.Begin(Build, WithMemoryLimit(2*base.PageSize))

	root, err := s.Load(base.RootPageID)
	require.NoError(t, err)
	require.NoError(t, s.Release(root))
	leaf, err := s.Load(base.FirstLeafPageID)
	require.NoError(t, err)
	_, err = s.AddItem(leaf, make([]byte, 3000))
	require.NoError(t, err)
	require.NoError(t, s.Release(leaf))
	assert.Equal(t, int64(base.PageSize), s.DirtyMemory())

	// Clean copies of the root and meta page put the cache over the limit
	e, err := s.GetPageWithFreeSpace(base.KindLeaf, 4500)
	require.NoError(t, err)
	assert.Greater(t, s.MemoryUsed(), int64(2*base.PageSize))
	_, err = s.AddItem(e, make([]byte, 4500))
	require.NoError(t, err)
	require.NoError(t, s.Release(e))

	// leaf, meta and the fresh page are dirty now
	assert.Equal(t, int64(3*base.PageSize), s.DirtyMemory())
	_, err = s.GetPageWithFreeSpace(base.KindLeaf, 4500)
	require.ErrorIs(t, err, storage.ErrAllocationExhausted)

	s.SetMemoryLimit(0)
	e, err = s.GetPageWithFreeSpace(base.KindLeaf, 4500)
	require.NoError(t, err)
	require.NoError(t, s.Release(e))

	_, err = s.Flush()
	require.NoError(t, err)
	require.NoError(t, s.Reset())
	assert.Zero(t, s.DirtyMemory())
	require.NoError(t, s.Close())
}
