package art

import (
	"bytes"
	"fmt"

	"github.com/google/btree"

	"artidx/internal/base"
	"artidx/internal/node"
	"artidx/internal/pager"
	"artidx/internal/prefetch"
)

// pending is a node reached during descent that still has to be visited.
// exact is false once every key below the node is known to satisfy the
// search, so prefixes and leaf keys need not be compared any more.
type pending struct {
	ptr   base.ItemPointer
	depth int
	exact bool
	seq   uint64
}

// Nodes are visited in descending block order so pages are read back to
// front, the same order leaves are returned in.
func lessPending(a, b pending) bool {
	if a.ptr.Block != b.ptr.Block {
		return a.ptr.Block > b.ptr.Block
	}
	return a.seq < b.seq
}

type queuedLeaf struct {
	ptr base.ItemPointer
	seq uint64
}

func lessLeaf(a, b queuedLeaf) bool {
	if a.ptr.Block != b.ptr.Block {
		return a.ptr.Block > b.ptr.Block
	}
	return a.seq < b.seq
}

// Scan streams the locators of the leaves a search admitted. Leaves are read
// lazily, one shared page latch at a time, so no page stays pinned between
// calls to Next.
type Scan struct {
	tree   *Tree
	leaves *btree.BTreeG[queuedLeaf]
	ra     *prefetch.Prefetcher // nil without readahead
	seq    uint64
	items  []base.ItemPointer
	pos    int
	err    error
	closed bool
}

// Search descends from the root and queues every leaf whose key satisfies
// op against key. The descent reads pages through s; only the page holding
// the node being expanded stays pinned.
func (t *Tree) Search(s *pager.Session, key []byte, op node.Op) (*Scan, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("search operator %v", op)
	}
	sc := &Scan{
		tree:   t,
		leaves: btree.NewG(16, lessLeaf),
	}
	if t.cfg.Readahead {
		sc.ra = prefetch.New(t.pager.Prefetch)
	}
	if len(key) == 0 {
		if op == node.OpGT || op == node.OpGE {
			// every indexed key is non-empty and so greater than the empty key
			sc.descend(s, key, op, false)
			return sc, sc.err
		}
		return sc, nil
	}
	sc.descend(s, key, op, true)
	return sc, sc.err
}

func (sc *Scan) descend(s *pager.Session, key []byte, op node.Op, exact bool) {
	queue := btree.NewG(16, lessPending)
	queue.ReplaceOrInsert(pending{ptr: pager.RootRef, exact: exact, seq: sc.next()})

	var held *pager.Entry
	defer func() {
		if held != nil {
			_ = s.Release(held)
		}
	}()

	for queue.Len() > 0 {
		p := popSamePage(queue, held)
		if held == nil || held.ID != p.ptr.Block {
			e, err := s.Load(p.ptr.Block)
			if err != nil {
				sc.err = err
				return
			}
			if held != nil {
				_ = s.Release(held)
			}
			held = e
		}
		n, err := decodeAt(held, p.ptr)
		if err != nil {
			sc.err = err
			return
		}
		if err := sc.visit(s, queue, p, n, key, op); err != nil {
			sc.err = err
			return
		}
	}
}

// popSamePage prefers a queued node on the page already held.
func popSamePage(queue *btree.BTreeG[pending], held *pager.Entry) pending {
	if held != nil {
		var hit pending
		found := false
		queue.AscendGreaterOrEqual(pending{ptr: base.ItemPointer{Block: held.ID}}, func(p pending) bool {
			hit, found = p, p.ptr.Block == held.ID
			return false
		})
		if found {
			queue.Delete(hit)
			return hit
		}
	}
	p, _ := queue.DeleteMin()
	return p
}

func (sc *Scan) visit(s *pager.Session, queue *btree.BTreeG[pending], p pending, n *node.Node, key []byte, op node.Op) error {
	if n.IsLeaf() {
		if !p.exact || leafAccepts(n, key, op) {
			sc.leaves.ReplaceOrInsert(queuedLeaf{ptr: p.ptr, seq: sc.next()})
		}
		return nil
	}

	push := func(ref base.ItemPointer, depth int, exact bool) {
		queue.ReplaceOrInsert(pending{ptr: ref, depth: depth, exact: exact, seq: sc.next()})
	}
	all := func() {
		n.ForEachChild(func(_ byte, c base.ItemPointer) bool {
			push(c, 0, false)
			return true
		})
	}

	if !p.exact {
		all()
		return nil
	}

	depth := p.depth
	if n.PrefixLen > 0 {
		m, b, err := sc.tree.prefixMismatch(s, n, key, depth)
		if err != nil {
			return err
		}
		if m < n.PrefixLen {
			// The prefix alone orders the whole subtree against key.
			greater := depth+m >= len(key) || b > key[depth+m]
			if subtreeAccepted(greater, op) {
				all()
			}
			return nil
		}
		depth += n.PrefixLen
	}
	if depth >= len(key) {
		// every key below is longer than key and shares it as a prefix
		if subtreeAccepted(true, op) {
			all()
		}
		return nil
	}

	for _, c := range n.ChildRange(key[depth], op) {
		push(c.Ref, depth+1, c.Exact)
	}
	return nil
}

// subtreeAccepted reports whether a subtree whose keys all sort on one side
// of the search key is part of the result.
func subtreeAccepted(greater bool, op node.Op) bool {
	switch op {
	case node.OpGT, node.OpGE:
		return greater
	case node.OpLT, node.OpLE:
		return !greater
	default:
		return false
	}
}

func leafAccepts(n *node.Node, key []byte, op node.Op) bool {
	if op == node.OpEQ {
		return n.LeafMatches(key)
	}
	return op.Accepts(bytes.Compare(n.Key, key))
}

func (sc *Scan) next() uint64 {
	sc.seq++
	return sc.seq
}

// Len is the number of leaves still queued.
func (sc *Scan) Len() int {
	return sc.leaves.Len()
}

// Next returns the next locator. It returns false once the scan is exhausted
// or has failed; Err tells the two apart.
func (sc *Scan) Next() (base.ItemPointer, bool) {
	for sc.pos >= len(sc.items) {
		if sc.closed || sc.err != nil {
			return base.InvalidItemPointer, false
		}
		l, ok := sc.leaves.DeleteMin()
		if !ok {
			return base.InvalidItemPointer, false
		}
		sc.readahead(l.ptr.Block)
		if err := sc.fetch(l); err != nil {
			sc.err = err
			return base.InvalidItemPointer, false
		}
	}
	loc := sc.items[sc.pos]
	sc.pos++
	return loc, true
}

// fetch copies out one leaf's locators and queues its continuation.
func (sc *Scan) fetch(l queuedLeaf) error {
	s := sc.tree.pager.Begin(pager.Shared)
	defer s.Close()

	e, err := s.Load(l.ptr.Block)
	if err != nil {
		return err
	}
	n, err := decodeAt(e, l.ptr)
	if err != nil {
		return err
	}
	if !n.IsLeaf() {
		return fmt.Errorf("queued leaf %v is %v: %w", l.ptr, n.Kind, ErrCorruption)
	}
	sc.items, sc.pos = n.Items, 0
	if n.Next.Valid() {
		sc.leaves.ReplaceOrInsert(queuedLeaf{ptr: n.Next, seq: sc.next()})
	}
	return nil
}

// readahead warms the next few leaf pages after current.
func (sc *Scan) readahead(current base.PageID) {
	if sc.ra == nil {
		return
	}
	n := sc.ra.Distance()
	var ids []base.PageID
	sc.leaves.Ascend(func(l queuedLeaf) bool {
		if b := l.ptr.Block; b != current && (len(ids) == 0 || ids[len(ids)-1] != b) {
			ids = append(ids, b)
		}
		return len(ids) < n
	})
	if len(ids) > 0 {
		sc.ra.Trigger(ids)
	}
}

func (sc *Scan) Err() error { return sc.err }

// Close discards whatever is still queued and waits for readahead.
func (sc *Scan) Close() {
	sc.closed = true
	sc.items = nil
	sc.leaves.Clear(false)
	if sc.ra != nil {
		sc.ra.Wait()
	}
}

// Lookup returns every locator stored under key, earliest insert first.
func (t *Tree) Lookup(s *pager.Session, key []byte) ([]base.ItemPointer, error) {
	sc, err := t.Search(s, key, node.OpEQ)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	var out []base.ItemPointer
	for {
		loc, ok := sc.Next()
		if !ok {
			break
		}
		out = append(out, loc)
	}
	return out, sc.Err()
}
