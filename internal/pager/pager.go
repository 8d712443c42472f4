package pager

import (
	"errors"
	"fmt"
	"sync/atomic"

	"artidx/internal/base"
	"artidx/internal/cache"
	"artidx/internal/node"
	"artidx/internal/storage"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrReadOnly      = errors.New("page modified in a shared session")
	ErrNotHeld       = errors.New("page entry not held by session")
)

// RootRef is the fixed address of the root Node256.
var RootRef = base.ItemPointer{Block: base.RootPageID, Offset: base.RootSlot}

// Device is the durable page device behind the store.
type Device interface {
	cache.Device
	Extend() (base.PageID, error)
	NumPages() uint32
	Sync() error
	Stats() storage.Stats
}

// Logger is the subset of the index logger the pager reports through.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Pager coordinates the device, the buffer pool and the metadata page.
type Pager struct {
	dev        Device
	pool       *cache.Pool
	fillFactor float64
	logger     Logger

	staleHints atomic.Uint64
}

type Option func(*Pager)

func WithLogger(l Logger) Option {
	return func(p *Pager) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPager creates a pager with injected dependencies and formats an empty
// device.
func NewPager(dev Device, pool *cache.Pool, fillFactor float64, opts ...Option) (*Pager, error) {
	p := &Pager{
		dev:        dev,
		pool:       pool,
		fillFactor: fillFactor,
		logger:     nopLogger{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if dev.NumPages() == 0 {
		if err := p.format(); err != nil {
			return nil, err
		}
		return p, nil
	}

	var page base.Page
	if err := dev.ReadPage(base.MetaPageID, &page); err != nil {
		return nil, fmt.Errorf("read meta page: %w", err)
	}
	meta := page.ReadMeta()
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// format writes the three fixed blocks of an empty index: the meta page, the
// first inner node page holding the root Node256, and the first leaf page.
func (p *Pager) format() error {
	var meta, root, leaf base.Page
	meta.InitMeta(base.NewMeta())

	root.InitData(base.KindNode)
	slot, err := root.AddItem(node.New(node.Kind256).Encode())
	if err != nil {
		return err
	}
	if slot != base.RootSlot {
		return fmt.Errorf("root placed at slot %d", slot)
	}
	root.SetDataTrailer(base.DataTrailer{Kind: base.KindNode, ItemCount: 1, Next: base.InvalidPageID})

	leaf.InitData(base.KindLeaf)

	for id, page := range []*base.Page{&meta, &root, &leaf} {
		if err := p.dev.WritePage(base.PageID(id), page); err != nil {
			return err
		}
	}
	return p.dev.Sync()
}

// Pool returns the live buffer pool.
func (p *Pager) Pool() *cache.Pool { return p.pool }

// Flush writes back every dirty page and syncs the device.
func (p *Pager) Flush() error {
	if err := p.pool.Flush(); err != nil {
		return err
	}
	return p.dev.Sync()
}

// Prefetch reads page id into the clean cache without pinning it.
func (p *Pager) Prefetch(id base.PageID) error {
	return p.pool.Prefetch(id)
}

// NumPages returns the number of blocks on the device.
func (p *Pager) NumPages() uint32 {
	return p.dev.NumPages()
}

type Stats struct {
	Cache      cache.Stats
	Store      storage.Stats
	StaleHints uint64
}

// Stats returns disk I/O statistics
func (p *Pager) Stats() Stats {
	return Stats{
		Cache:      p.pool.Stats(),
		Store:      p.dev.Stats(),
		StaleHints: p.staleHints.Load(),
	}
}
