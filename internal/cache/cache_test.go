package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artidx/internal/base"
)

// memDevice is an in-memory Device counting I/O.
type memDevice struct {
	mu     sync.Mutex
	pages  map[base.PageID]base.Page
	reads  atomic.Int64
	writes atomic.Int64
	delay  time.Duration
}

func newMemDevice() *memDevice {
	return &memDevice{pages: make(map[base.PageID]base.Page)}
}

func (d *memDevice) ReadPage(id base.PageID, page *base.Page) error {
	d.reads.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[id]
	if !ok {
		return errors.New("no such page")
	}
	*page = p
	return nil
}

func (d *memDevice) WritePage(id base.PageID, page *base.Page) error {
	d.writes.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[id] = *page
	return nil
}

func (d *memDevice) seed(t *testing.T, ids ...base.PageID) {
	t.Helper()
	for _, id := range ids {
		var p base.Page
		p.InitData(base.KindNode)
		_, err := p.AddItem([]byte{byte(id)})
		require.NoError(t, err)
		d.pages[id] = p
	}
}

func firstItem(t *testing.T, f *Frame) []byte {
	t.Helper()
	item, err := f.Page.Item(1)
	require.NoError(t, err)
	return item
}

func TestPoolPinHitMiss(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 1, 2)
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	f, err := pool.Pin(1, Shared)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, firstItem(t, f))
	require.NoError(t, pool.Unpin(f, Shared))

	// Clean page comes back from the LRU without a device read
	f, err = pool.Pin(1, Exclusive)
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(f, Exclusive))

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, int64(1), dev.reads.Load())
	assert.Equal(t, 0, stats.Frames)
	assert.Equal(t, 1, stats.Clean)

	_, err = pool.Pin(9, Shared)
	assert.Error(t, err)
}

func TestPoolNestedPins(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 1)
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	a, err := pool.Pin(1, Shared)
	require.NoError(t, err)
	b, err := pool.Pin(1, Shared)
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, pool.Unpin(a, Shared))
	assert.True(t, pool.Resident(1), "still pinned once")
	require.NoError(t, pool.Unpin(b, Shared))
	assert.False(t, pool.Resident(1))

	assert.ErrorIs(t, pool.Unpin(b, Shared), ErrNotPinned)
}

func TestPoolDirtyStaysResident(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 1)
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	f, err := pool.Pin(1, Exclusive)
	require.NoError(t, err)
	_, err = f.Page.AddItem([]byte("new"))
	require.NoError(t, err)
	f.MarkDirty()
	require.NoError(t, pool.Unpin(f, Exclusive))

	assert.True(t, pool.Resident(1))
	assert.Equal(t, int64(0), dev.writes.Load())

	require.NoError(t, pool.Flush())
	assert.Equal(t, int64(1), dev.writes.Load())
	assert.False(t, pool.Resident(1))

	stored := dev.pages[1]
	item, err := stored.Item(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), item)
}

func TestPoolWriteBackOverCapacity(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	ids := make([]base.PageID, 20)
	for i := range ids {
		ids[i] = base.PageID(i + 1)
	}
	dev.seed(t, ids...)
	pool, err := NewPool(dev, MinCacheSize)
	require.NoError(t, err)

	for _, id := range ids {
		f, err := pool.Pin(id, Exclusive)
		require.NoError(t, err)
		f.MarkDirty()
		require.NoError(t, pool.Unpin(f, Exclusive))
	}

	// The seventeenth dirty frame pushes the pool over capacity
	assert.Equal(t, int64(17), dev.writes.Load())
	assert.Equal(t, uint64(17), pool.Stats().WriteBacks)
	assert.Equal(t, 3, pool.Stats().Frames)
}

func TestPoolFlushPinnedFrame(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 1)
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	f, err := pool.Pin(1, Shared)
	require.NoError(t, err)
	f.MarkDirty()

	require.NoError(t, pool.Flush())
	assert.Equal(t, int64(1), dev.writes.Load())
	assert.False(t, f.Dirty())
	assert.True(t, pool.Resident(1), "still pinned by the caller")
	require.NoError(t, pool.Unpin(f, Shared))
}

func TestPoolConcurrentLoadsShareRead(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 7)
	dev.delay = 20 * time.Millisecond
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	frames := make([]*Frame, 8)
	for i := range frames {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := pool.Pin(7, Shared)
			assert.NoError(t, err)
			frames[i] = f
		}(i)
	}
	wg.Wait()

	for _, f := range frames[1:] {
		assert.Same(t, frames[0], f, "one frame per page")
	}
	assert.LessOrEqual(t, dev.reads.Load(), int64(len(frames)))
	for _, f := range frames {
		require.NoError(t, pool.Unpin(f, Shared))
	}
	assert.False(t, pool.Resident(7))
}

func TestPoolPinNew(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 3)
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	// Leave a stale clean image behind
	f, err := pool.Pin(3, Shared)
	require.NoError(t, err)
	require.NoError(t, pool.Unpin(f, Shared))

	f = pool.PinNew(3)
	assert.True(t, f.Page.IsNew())
	f.Page.InitData(base.KindLeaf)
	f.MarkDirty()
	require.NoError(t, pool.Unpin(f, Exclusive))
	require.NoError(t, pool.Flush())

	stored := dev.pages[3]
	assert.Equal(t, 0, stored.NumSlots())
	assert.Equal(t, base.KindLeaf, stored.Kind())
}

func TestPoolPrefetch(t *testing.T) {
	t.Parallel()

	dev := newMemDevice()
	dev.seed(t, 1, 2)
	pool, err := NewPool(dev, 16)
	require.NoError(t, err)

	require.NoError(t, pool.Prefetch(1))
	assert.False(t, pool.Resident(1), "prefetch does not pin")
	assert.Equal(t, 1, pool.Stats().Clean)

	f, err := pool.Pin(1, Shared)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, firstItem(t, f))

	// Already resident
	require.NoError(t, pool.Prefetch(1))
	require.NoError(t, pool.Unpin(f, Shared))
	require.NoError(t, pool.Prefetch(1))

	stats := pool.Stats()
	assert.Equal(t, int64(1), dev.reads.Load())
	assert.Equal(t, uint64(1), stats.Prefetches)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(0), stats.Misses)

	assert.Error(t, pool.Prefetch(9))
}
