package art

import (
	"bytes"
	"fmt"

	"artidx/internal/base"
	"artidx/internal/node"
	"artidx/internal/pager"
)

// VerifyStats counts what a verification pass walked.
type VerifyStats struct {
	Node4, Node16, Node48, Node256 int
	Leaves                         int // distinct keys
	Segments                       int // leaf items including continuations
	Locators                       int
	MaxDepth                       int
}

// Verify walks the whole tree and checks its structural invariants: the
// root kind, child counts and ordering, prefixes against the leaves below
// them, leaf chains, and parent references when they are maintained.
func (t *Tree) Verify(s *pager.Session) (VerifyStats, error) {
	v := &verifier{tree: t, s: s, seen: make(map[base.ItemPointer]bool)}
	root, err := t.load(s, pager.RootRef)
	if err != nil {
		return v.stats, err
	}
	t.release(s, root)
	if root.n.Kind != node.Kind256 {
		return v.stats, fmt.Errorf("root is %v: %w", root.n.Kind, ErrCorruption)
	}
	if root.n.PrefixLen != 0 {
		return v.stats, fmt.Errorf("root has prefix of %d bytes: %w", root.n.PrefixLen, ErrCorruption)
	}
	err = v.walk(pager.RootRef, root.n, base.InvalidItemPointer, nil, 0)
	return v.stats, err
}

type verifier struct {
	tree  *Tree
	s     *pager.Session
	seen  map[base.ItemPointer]bool
	stats VerifyStats
}

func (v *verifier) fail(ptr base.ItemPointer, format string, args ...any) error {
	return fmt.Errorf("node %v: %s: %w", ptr, fmt.Sprintf(format, args...), ErrCorruption)
}

// walk checks n, reached along path, and everything below it.
func (v *verifier) walk(ptr base.ItemPointer, n *node.Node, parent base.ItemPointer, path []byte, level int) error {
	if v.seen[ptr] {
		return v.fail(ptr, "reachable twice")
	}
	v.seen[ptr] = true
	v.stats.MaxDepth = max(v.stats.MaxDepth, level)

	if v.tree.cfg.MaintainParents && parent.Valid() && n.Parent != parent {
		return v.fail(ptr, "parent %v, reached from %v", n.Parent, parent)
	}
	if n.IsLeaf() {
		return v.leaf(ptr, n, path)
	}

	switch n.Kind {
	case node.Kind4:
		v.stats.Node4++
	case node.Kind16:
		v.stats.Node16++
	case node.Kind48:
		v.stats.Node48++
	case node.Kind256:
		v.stats.Node256++
	}
	if n.NumChildren == 0 && level > 0 {
		return v.fail(ptr, "inner node without children")
	}
	if n.NumChildren > n.Kind.Capacity() {
		return v.fail(ptr, "%d children in %v", n.NumChildren, n.Kind)
	}

	if n.PrefixLen > 0 {
		prefix := n.Prefix[:min(n.PrefixLen, node.MaxPrefixLen)]
		if n.PrefixLen > node.MaxPrefixLen {
			leaf, err := v.tree.minimumLeaf(v.s, n)
			if err != nil {
				return err
			}
			if len(leaf.Key) < len(path)+n.PrefixLen {
				return v.fail(ptr, "prefix of %d bytes longer than minimum leaf", n.PrefixLen)
			}
			if !bytes.Equal(leaf.Key[len(path):len(path)+node.MaxPrefixLen], prefix) {
				return v.fail(ptr, "inline prefix disagrees with minimum leaf")
			}
			prefix = leaf.Key[len(path) : len(path)+n.PrefixLen]
		}
		path = append(path[:len(path):len(path)], prefix...)
	}

	count := 0
	last := -1
	var err error
	n.ForEachChild(func(b byte, c base.ItemPointer) bool {
		count++
		if int(b) <= last {
			err = v.fail(ptr, "child key %#x out of order", b)
			return false
		}
		last = int(b)
		var child *ref
		if child, err = v.tree.load(v.s, c); err != nil {
			return false
		}
		v.tree.release(v.s, child)
		err = v.walk(c, child.n, ptr, append(path[:len(path):len(path)], b), level+1)
		return err == nil
	})
	if err != nil {
		return err
	}
	if count != n.NumChildren {
		return v.fail(ptr, "header counts %d children, found %d", n.NumChildren, count)
	}
	return nil
}

// leaf checks a head leaf and its continuation chain.
func (v *verifier) leaf(ptr base.ItemPointer, head *node.Node, path []byte) error {
	if !bytes.HasPrefix(head.Key, path) {
		return v.fail(ptr, "key %x outside path %x", head.Key, path)
	}
	v.stats.Leaves++

	cur, at := head, ptr
	for {
		if len(cur.Items) == 0 {
			return v.fail(at, "leaf without locators")
		}
		v.stats.Segments++
		v.stats.Locators += len(cur.Items)
		if !cur.Next.Valid() {
			break
		}
		next, err := v.tree.load(v.s, cur.Next)
		if err != nil {
			return err
		}
		v.tree.release(v.s, next)
		if v.seen[next.ptr] {
			return v.fail(next.ptr, "leaf chain loops")
		}
		v.seen[next.ptr] = true
		if !next.n.LeafMatches(head.Key) {
			return v.fail(next.ptr, "continuation holds a different key")
		}
		cur, at = next.n, next.ptr
	}

	switch {
	case at == ptr && head.Last.Valid():
		return v.fail(ptr, "single leaf records chain tail %v", head.Last)
	case at != ptr && head.Last != at:
		return v.fail(ptr, "chain tail %v, recorded %v", at, head.Last)
	}
	return nil
}
