package node

import (
	"errors"
	"fmt"

	"artidx/internal/base"
)

// Kind is the node variant tag stored in the first byte of every node.
type Kind uint8

const (
	KindLeaf Kind = iota + 1
	Kind4
	Kind16
	Kind48
	Kind256
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case Kind4:
		return "node4"
	case Kind16:
		return "node16"
	case Kind48:
		return "node48"
	case Kind256:
		return "node256"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Capacity is the maximum number of children of an inner node kind.
func (k Kind) Capacity() int {
	switch k {
	case Kind4:
		return 4
	case Kind16:
		return 16
	case Kind48:
		return 48
	case Kind256:
		return 256
	default:
		return 0
	}
}

// next returns the variant a full node migrates to.
func (k Kind) next() Kind {
	switch k {
	case Kind4:
		return Kind16
	case Kind16:
		return Kind48
	case Kind48:
		return Kind256
	default:
		return 0
	}
}

const (
	// MaxPrefixLen is the number of prefix bytes stored inline. Longer
	// prefixes keep only their length; the bytes live in the subtree's leaves.
	MaxPrefixLen = 8

	HeaderSize     = 1 + base.ItemPointerSize + 2 + 2 + MaxPrefixLen
	LeafHeaderSize = 1 + 3*base.ItemPointerSize + 2 + 2

	// MaxKeySize is the longest key whose single-locator leaf fits on an empty page.
	MaxKeySize = base.MaxItemSize - LeafHeaderSize - base.ItemPointerSize

	// empty marker in the Node48 index
	emptyIndex = 0
)

var (
	ErrUnknownNodeType = errors.New("unknown node type")
	ErrCorruptNode     = errors.New("corrupt node encoding")
	ErrNodeFull        = errors.New("node is full")
	ErrDuplicateChild  = errors.New("child key already present")
)

// Node is an ART node. Kind selects which fields are meaningful:
//
//	Kind4, Kind16: Keys[:NumChildren] sorted ascending, Children parallel to Keys
//	Kind48:        Keys is a 256-entry index, 0 = empty, else child slot + 1
//	Kind256:       Children indexed directly by key byte
//	KindLeaf:      Key, Items, Next and Last
//
// References to other nodes are item pointers into the page store.
type Node struct {
	Kind        Kind
	Parent      base.ItemPointer
	NumChildren int
	PrefixLen   int
	Prefix      [MaxPrefixLen]byte

	Keys     []byte
	Children []base.ItemPointer

	Next  base.ItemPointer // continuation leaf of the same key
	Last  base.ItemPointer // chain tail, kept on the head leaf only
	Key   []byte
	Items []base.ItemPointer
}

// New allocates an empty inner node of the given kind.
func New(kind Kind) *Node {
	n := &Node{Kind: kind, Parent: base.InvalidItemPointer}
	switch kind {
	case Kind4, Kind16:
		n.Keys = make([]byte, kind.Capacity())
		n.Children = make([]base.ItemPointer, kind.Capacity())
	case Kind48:
		n.Keys = make([]byte, 256)
		n.Children = make([]base.ItemPointer, 48)
	case Kind256:
		n.Children = make([]base.ItemPointer, 256)
	default:
		panic(fmt.Sprintf("node: cannot allocate %v", kind))
	}
	return n
}

// NewLeaf allocates a leaf holding one locator.
func NewLeaf(key []byte, loc base.ItemPointer) *Node {
	return &Node{
		Kind:   KindLeaf,
		Parent: base.InvalidItemPointer,
		Next:   base.InvalidItemPointer,
		Last:   base.InvalidItemPointer,
		Key:    append([]byte(nil), key...),
		Items:  []base.ItemPointer{loc},
	}
}

func (n *Node) IsLeaf() bool { return n.Kind == KindLeaf }

func (n *Node) IsFull() bool { return n.NumChildren >= n.Kind.Capacity() }

// Size is the encoded size in bytes, including a leaf's key and locators.
func (n *Node) Size() int {
	switch n.Kind {
	case KindLeaf:
		return LeafSize(len(n.Key), len(n.Items))
	case Kind4:
		return HeaderSize + 4 + 4*base.ItemPointerSize
	case Kind16:
		return HeaderSize + 16 + 16*base.ItemPointerSize
	case Kind48:
		return HeaderSize + 256 + 48*base.ItemPointerSize
	case Kind256:
		return HeaderSize + 256*base.ItemPointerSize
	default:
		return 0
	}
}

func LeafSize(keyLen, items int) int {
	return LeafHeaderSize + keyLen + items*base.ItemPointerSize
}

// CopyHeader copies the parent reference, child count and prefix.
func CopyHeader(dst, src *Node) {
	dst.Parent = src.Parent
	dst.NumChildren = src.NumChildren
	dst.PrefixLen = src.PrefixLen
	dst.Prefix = src.Prefix
}

// SetPrefix stores the compressed path. Only the first MaxPrefixLen bytes are
// kept inline; length is the full compressed length.
func (n *Node) SetPrefix(b []byte, length int) {
	n.PrefixLen = length
	n.Prefix = [MaxPrefixLen]byte{}
	copy(n.Prefix[:], b[:min(length, MaxPrefixLen, len(b))])
}

// FindChild returns the child keyed by b.
func (n *Node) FindChild(b byte) (base.ItemPointer, bool) {
	switch n.Kind {
	case Kind4:
		for i := 0; i < n.NumChildren; i++ {
			if n.Keys[i] == b {
				return n.Children[i], true
			}
		}
	case Kind16:
		if i := findKey16(n.Keys, n.NumChildren, b); i >= 0 {
			return n.Children[i], true
		}
	case Kind48:
		if idx := n.Keys[b]; idx != emptyIndex {
			return n.Children[idx-1], true
		}
	case Kind256:
		if c := n.Children[b]; c.Valid() {
			return c, true
		}
	}
	return base.InvalidItemPointer, false
}

// SetChild repoints an existing child slot.
func (n *Node) SetChild(b byte, ref base.ItemPointer) bool {
	switch n.Kind {
	case Kind4:
		for i := 0; i < n.NumChildren; i++ {
			if n.Keys[i] == b {
				n.Children[i] = ref
				return true
			}
		}
	case Kind16:
		if i := findKey16(n.Keys, n.NumChildren, b); i >= 0 {
			n.Children[i] = ref
			return true
		}
	case Kind48:
		if idx := n.Keys[b]; idx != emptyIndex {
			n.Children[idx-1] = ref
			return true
		}
	case Kind256:
		if n.Children[b].Valid() {
			n.Children[b] = ref
			return true
		}
	}
	return false
}

// AddChild inserts a new child keyed by b. A full node is migrated to the
// next larger kind; the returned node is the one holding the child, which is
// n itself unless grown is true.
func (n *Node) AddChild(b byte, ref base.ItemPointer) (out *Node, grown bool, err error) {
	if _, ok := n.FindChild(b); ok {
		return nil, false, ErrDuplicateChild
	}
	if n.IsFull() {
		g, err := n.Grow()
		if err != nil {
			return nil, false, err
		}
		if err := g.insert(b, ref); err != nil {
			return nil, false, err
		}
		return g, true, nil
	}
	if err := n.insert(b, ref); err != nil {
		return nil, false, err
	}
	return n, false, nil
}

func (n *Node) insert(b byte, ref base.ItemPointer) error {
	switch n.Kind {
	case Kind4, Kind16:
		if n.NumChildren >= len(n.Keys) {
			return ErrNodeFull
		}
		pos := 0
		for pos < n.NumChildren && n.Keys[pos] < b {
			pos++
		}
		copy(n.Keys[pos+1:n.NumChildren+1], n.Keys[pos:n.NumChildren])
		copy(n.Children[pos+1:n.NumChildren+1], n.Children[pos:n.NumChildren])
		n.Keys[pos] = b
		n.Children[pos] = ref
	case Kind48:
		if n.NumChildren >= len(n.Children) {
			return ErrNodeFull
		}
		slot := 0
		for n.Children[slot].Valid() {
			slot++
		}
		n.Children[slot] = ref
		n.Keys[b] = byte(slot + 1)
	case Kind256:
		n.Children[b] = ref
	default:
		return fmt.Errorf("add child to %v: %w", n.Kind, ErrUnknownNodeType)
	}
	n.NumChildren++
	return nil
}

// Grow migrates the node into the next larger kind, preserving every
// (key, child) pair and the header.
func (n *Node) Grow() (*Node, error) {
	next := n.Kind.next()
	if next == 0 {
		return nil, fmt.Errorf("grow %v: %w", n.Kind, ErrNodeFull)
	}
	g := New(next)
	CopyHeader(g, n)
	g.NumChildren = 0
	var err error
	n.ForEachChild(func(b byte, ref base.ItemPointer) bool {
		err = g.insert(b, ref)
		return err == nil
	})
	return g, err
}

// ForEachChild visits children in ascending key order until fn returns false.
func (n *Node) ForEachChild(fn func(b byte, ref base.ItemPointer) bool) {
	switch n.Kind {
	case Kind4, Kind16:
		for i := 0; i < n.NumChildren; i++ {
			if !fn(n.Keys[i], n.Children[i]) {
				return
			}
		}
	case Kind48:
		for b := 0; b < 256; b++ {
			if idx := n.Keys[b]; idx != emptyIndex {
				if !fn(byte(b), n.Children[idx-1]) {
					return
				}
			}
		}
	case Kind256:
		for b := 0; b < 256; b++ {
			if c := n.Children[b]; c.Valid() {
				if !fn(byte(b), c) {
					return
				}
			}
		}
	}
}

// FirstChild returns the child with the smallest key byte.
func (n *Node) FirstChild() (base.ItemPointer, bool) {
	ref, found := base.InvalidItemPointer, false
	n.ForEachChild(func(_ byte, c base.ItemPointer) bool {
		ref, found = c, true
		return false
	})
	return ref, found
}

// CheckPrefix compares the inline prefix against key starting at depth and
// returns the number of matching bytes. At most MaxPrefixLen bytes are checked.
func (n *Node) CheckPrefix(key []byte, depth int) int {
	limit := min(n.PrefixLen, MaxPrefixLen, len(key)-depth)
	i := 0
	for ; i < limit; i++ {
		if n.Prefix[i] != key[depth+i] {
			break
		}
	}
	return i
}

// LeafMatches reports whether a leaf stores exactly key.
func (n *Node) LeafMatches(key []byte) bool {
	if n.Kind != KindLeaf || len(n.Key) != len(key) {
		return false
	}
	for i := range key {
		if n.Key[i] != key[i] {
			return false
		}
	}
	return true
}

// LongestCommonPrefix returns how many bytes a and b share from depth on.
func LongestCommonPrefix(a, b []byte, depth int) int {
	limit := min(len(a), len(b)) - depth
	i := 0
	for ; i < limit; i++ {
		if a[depth+i] != b[depth+i] {
			break
		}
	}
	return max(i, 0)
}
