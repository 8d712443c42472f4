package art

import (
	"errors"
	"fmt"

	"artidx/internal/base"
	"artidx/internal/node"
	"artidx/internal/pager"
)

var (
	ErrKeyEmpty    = errors.New("key is empty")
	ErrKeyTooLarge = errors.New("key exceeds leaf page capacity")
	ErrKeyPrefix   = errors.New("key is a prefix of an indexed key or the reverse")
	ErrCorruption  = errors.New("index structure is corrupt")
)

// Logger is the subset of the index logger the engine reports through.
type Logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

type Config struct {
	// MaintainParents keeps parent back-references current when nodes move.
	// Lookups never depend on them.
	MaintainParents bool
	// Readahead warms upcoming leaf pages while a scan is consumed.
	Readahead bool
	Logger    Logger
}

// Tree runs inserts, searches and builds against the page store. It holds
// no state of its own; every operation works through the session it is
// given.
type Tree struct {
	pager *pager.Pager
	cfg   Config
}

func New(p *pager.Pager, cfg Config) *Tree {
	return &Tree{pager: p, cfg: cfg}
}

// ref is a decoded node together with the page entry it lives on.
type ref struct {
	ptr   base.ItemPointer
	entry *pager.Entry
	n     *node.Node
}

func (t *Tree) load(s *pager.Session, ptr base.ItemPointer) (*ref, error) {
	if !ptr.Valid() {
		return nil, fmt.Errorf("node reference %v: %w", ptr, ErrCorruption)
	}
	e, err := s.Load(ptr.Block)
	if err != nil {
		return nil, err
	}
	n, err := decodeAt(e, ptr)
	if err != nil {
		_ = s.Release(e)
		return nil, err
	}
	return &ref{ptr: ptr, entry: e, n: n}, nil
}

func decodeAt(e *pager.Entry, ptr base.ItemPointer) (*node.Node, error) {
	item, err := e.Item(ptr.Offset)
	if err != nil {
		return nil, fmt.Errorf("node %v: %w: %w", ptr, ErrCorruption, err)
	}
	n, err := node.Decode(item)
	if errors.Is(err, node.ErrCorruptNode) {
		return nil, fmt.Errorf("node %v: %w: %w", ptr, ErrCorruption, err)
	}
	if err != nil {
		return nil, fmt.Errorf("node %v: %w", ptr, err)
	}
	return n, nil
}

func (t *Tree) release(s *pager.Session, r *ref) {
	if r != nil {
		_ = s.Release(r.entry)
	}
}

// store writes a node back over its own slot.
func (t *Tree) store(s *pager.Session, r *ref) error {
	return s.OverwriteItem(r.entry, r.ptr.Offset, r.n.Encode())
}

// add places a new node on a page with room for it.
func (t *Tree) add(s *pager.Session, n *node.Node) (base.ItemPointer, error) {
	kind := base.KindNode
	if n.IsLeaf() {
		kind = base.KindLeaf
	}
	e, err := s.GetPageWithFreeSpace(kind, n.Size())
	if err != nil {
		return base.InvalidItemPointer, err
	}
	defer s.Release(e)
	slot, err := s.AddItem(e, n.Encode())
	if err != nil {
		return base.InvalidItemPointer, err
	}
	return base.ItemPointer{Block: e.ID, Offset: slot}, nil
}

// setParent rewrites the parent reference of the node at ptr in place.
func (t *Tree) setParent(s *pager.Session, ptr, parent base.ItemPointer) error {
	e, err := s.Load(ptr.Block)
	if err != nil {
		return err
	}
	defer s.Release(e)
	item, err := e.Item(ptr.Offset)
	if err != nil {
		return fmt.Errorf("node %v: %w: %w", ptr, ErrCorruption, err)
	}
	if _, err := node.PeekKind(item); err != nil {
		return fmt.Errorf("node %v: %w", ptr, err)
	}
	node.SetParent(item, parent)
	return s.MarkDirty(e)
}

// minimumLeaf follows first children down to a leaf. Its key carries the
// prefix bytes a node stores only the length of.
func (t *Tree) minimumLeaf(s *pager.Session, n *node.Node) (*node.Node, error) {
	for depth := 0; !n.IsLeaf(); depth++ {
		if depth > node.MaxKeySize {
			return nil, fmt.Errorf("minimum leaf: cycle: %w", ErrCorruption)
		}
		child, ok := n.FirstChild()
		if !ok {
			return nil, fmt.Errorf("minimum leaf: childless %v: %w", n.Kind, ErrCorruption)
		}
		r, err := t.load(s, child)
		if err != nil {
			return nil, err
		}
		t.release(s, r)
		n = r.n
	}
	return n, nil
}

// prefixMismatch returns how many prefix bytes of n match key from depth on,
// and the node's own byte at the first mismatch when there is one. Bytes
// past the inline prefix come from the minimum leaf.
func (t *Tree) prefixMismatch(s *pager.Session, n *node.Node, key []byte, depth int) (int, byte, error) {
	inline := min(n.PrefixLen, node.MaxPrefixLen)
	m := n.CheckPrefix(key, depth)
	if m < inline {
		return m, n.Prefix[m], nil
	}
	if n.PrefixLen <= node.MaxPrefixLen {
		return m, 0, nil
	}

	leaf, err := t.minimumLeaf(s, n)
	if err != nil {
		return 0, 0, err
	}
	if len(leaf.Key) < depth+n.PrefixLen {
		return 0, 0, fmt.Errorf("minimum leaf shorter than prefix: %w", ErrCorruption)
	}
	for ; m < n.PrefixLen; m++ {
		if depth+m >= len(key) || leaf.Key[depth+m] != key[depth+m] {
			return m, leaf.Key[depth+m], nil
		}
	}
	return m, 0, nil
}

// CheckKey validates a key for insertion.
func CheckKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > node.MaxKeySize {
		return fmt.Errorf("key of %d bytes, maximum %d: %w", len(key), node.MaxKeySize, ErrKeyTooLarge)
	}
	return nil
}
