package prefetch

import (
	"sync"

	"artidx/internal/base"
)

const (
	minDistance = 2
	maxDistance = 8
)

// WarmFunc reads a page into the cache. Errors are ignored; the reader that
// actually needs the page will report them.
type WarmFunc func(base.PageID) error

// Prefetcher reads ahead of a scan. The number of pages it keeps in flight
// starts small and grows while the scan keeps consuming what was warmed.
type Prefetcher struct {
	warm     WarmFunc
	distance int
	warmed   map[base.PageID]struct{}
	busy     bool // a batch is in flight
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func New(warm WarmFunc) *Prefetcher {
	return &Prefetcher{
		warm:     warm,
		distance: minDistance,
		warmed:   make(map[base.PageID]struct{}),
	}
}

// Distance is how many upcoming pages the next Trigger will look at.
func (p *Prefetcher) Distance() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.distance
}

// Trigger warms the pages of upcoming not handed out before, in order, on a
// background goroutine. It is a no-op while the previous batch is running.
func (p *Prefetcher) Trigger(upcoming []base.PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return
	}

	var batch []base.PageID
	for _, id := range upcoming {
		if _, ok := p.warmed[id]; ok {
			continue
		}
		p.warmed[id] = struct{}{}
		batch = append(batch, id)
	}
	if len(batch) == 0 {
		return
	}
	if p.distance < maxDistance {
		p.distance++
	}

	p.busy = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for _, id := range batch {
			if err := p.warm(id); err != nil {
				break
			}
		}
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()
}

// Wait blocks until the batch in flight, if any, is done.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Reset forgets which pages were warmed and drops back to the initial
// distance.
func (p *Prefetcher) Reset() {
	p.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.distance = minDistance
	clear(p.warmed)
}
