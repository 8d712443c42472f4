package art

import (
	"errors"
	"fmt"

	"artidx/internal/base"
	"artidx/internal/node"
	"artidx/internal/pager"
)

// Insert adds (key, loc) to the tree. Every page the insert allocates is
// obtained before any existing node is rewritten, so a failed insert leaves
// the tree as it was, apart from unreachable items on pages it allocated.
func (t *Tree) Insert(s *pager.Session, key []byte, loc base.ItemPointer) error {
	if err := CheckKey(key); err != nil {
		return err
	}

	cur, err := t.load(s, pager.RootRef)
	if err != nil {
		return err
	}
	var parent *ref
	defer func() {
		t.release(s, cur)
		t.release(s, parent)
	}()

	depth := 0
	for {
		if cur.n.IsLeaf() {
			if cur.n.LeafMatches(key) {
				err = t.appendLocator(s, cur, loc)
			} else {
				err = t.splitLeaf(s, parent, cur, key, depth, loc)
			}
			break
		}

		if cur.n.PrefixLen > 0 {
			m, b, err := t.prefixMismatch(s, cur.n, key, depth)
			if err != nil {
				return err
			}
			if m < cur.n.PrefixLen {
				err = t.splitPrefix(s, parent, cur, key, depth, m, b, loc)
				if err != nil {
					return err
				}
				return t.countTuple(s)
			}
			depth += cur.n.PrefixLen
		}
		if depth >= len(key) {
			return fmt.Errorf("key of %d bytes ends at inner node %v: %w", len(key), cur.ptr, ErrKeyPrefix)
		}

		b := key[depth]
		child, ok := cur.n.FindChild(b)
		if !ok {
			err = t.addChild(s, parent, cur, b, key, loc)
			break
		}
		next, err := t.load(s, child)
		if err != nil {
			return err
		}
		// only the parent slot is ever rewritten, never the grandparent's
		t.release(s, parent)
		parent, cur = cur, next
		depth++
	}
	if err != nil {
		return err
	}
	return t.countTuple(s)
}

func (t *Tree) countTuple(s *pager.Session) error {
	return s.UpdateMeta(func(m *base.Meta) { m.Tuples++ })
}

// repoint rewrites the parent's slot for the child at key[depth-1].
func (t *Tree) repoint(s *pager.Session, parent *ref, key []byte, depth int, to base.ItemPointer) error {
	if parent == nil || depth == 0 {
		return fmt.Errorf("repoint root slot: %w", ErrCorruption)
	}
	if !parent.n.SetChild(key[depth-1], to) {
		return fmt.Errorf("parent %v has no child %#x: %w", parent.ptr, key[depth-1], ErrCorruption)
	}
	return t.store(s, parent)
}

// appendLocator adds loc to the end of an existing key's leaf chain, starting
// a continuation leaf when the tail's page is full.
func (t *Tree) appendLocator(s *pager.Session, head *ref, loc base.ItemPointer) error {
	tail := head
	if head.n.Last.Valid() {
		var err error
		if tail, err = t.load(s, head.n.Last); err != nil {
			return err
		}
		defer t.release(s, tail)
		if !tail.n.IsLeaf() {
			return fmt.Errorf("chain tail %v is %v: %w", tail.ptr, tail.n.Kind, ErrCorruption)
		}
	}

	grow := node.LeafSize(len(tail.n.Key), len(tail.n.Items)+1)
	if tail.entry.Page.ExactFreeSpace() >= base.ItemPointerSize && grow <= base.MaxItemSize {
		tail.n.Items = append(tail.n.Items, loc)
		return t.store(s, tail)
	}

	cont := node.NewLeaf(head.n.Key, loc)
	cont.Parent = head.n.Parent
	ptr, err := t.add(s, cont)
	if err != nil {
		return err
	}
	tail.n.Next = ptr
	if tail != head {
		if err := t.store(s, tail); err != nil {
			return err
		}
	}
	head.n.Last = ptr
	return t.store(s, head)
}

// splitLeaf replaces a leaf holding a different key with a Node4 over both
// leaves, prefixed with the bytes the two keys share past depth.
func (t *Tree) splitLeaf(s *pager.Session, parent, leaf *ref, key []byte, depth int, loc base.ItemPointer) error {
	lcp := node.LongestCommonPrefix(leaf.n.Key, key, depth)
	split := depth + lcp
	if split >= len(key) || split >= len(leaf.n.Key) {
		return fmt.Errorf("key shares %d bytes with leaf %v: %w", split, leaf.ptr, ErrKeyPrefix)
	}

	n4 := node.New(node.Kind4)
	n4.SetPrefix(key[depth:], lcp)
	if parent != nil {
		n4.Parent = parent.ptr
	}
	n4ptr, err := t.add(s, n4)
	if err != nil {
		return err
	}
	nl := node.NewLeaf(key, loc)
	nl.Parent = n4ptr
	leafptr, err := t.add(s, nl)
	if err != nil {
		return err
	}

	if _, _, err := n4.AddChild(key[split], leafptr); err != nil {
		return err
	}
	if _, _, err := n4.AddChild(leaf.n.Key[split], leaf.ptr); err != nil {
		return err
	}
	if err := t.storeAt(s, n4ptr, n4); err != nil {
		return err
	}
	if t.cfg.MaintainParents {
		leaf.n.Parent = n4ptr
		if err := t.store(s, leaf); err != nil {
			return err
		}
	}
	return t.repoint(s, parent, key, depth, n4ptr)
}

// splitPrefix inserts a Node4 above cur holding the m prefix bytes that
// matched. cur keeps what follows its discriminating byte b.
func (t *Tree) splitPrefix(s *pager.Session, parent, cur *ref, key []byte, depth, m int, b byte, loc base.ItemPointer) error {
	if depth+m >= len(key) {
		return fmt.Errorf("key of %d bytes ends inside prefix of %v: %w", len(key), cur.ptr, ErrKeyPrefix)
	}

	rest := cur.n.PrefixLen - (m + 1)
	var tail []byte
	if cur.n.PrefixLen <= node.MaxPrefixLen {
		tail = append([]byte(nil), cur.n.Prefix[m+1:cur.n.PrefixLen]...)
	} else {
		leaf, err := t.minimumLeaf(s, cur.n)
		if err != nil {
			return err
		}
		tail = leaf.Key[depth+m+1:]
	}

	n4 := node.New(node.Kind4)
	n4.SetPrefix(key[depth:], m)
	if parent != nil {
		n4.Parent = parent.ptr
	}
	n4ptr, err := t.add(s, n4)
	if err != nil {
		return err
	}
	nl := node.NewLeaf(key, loc)
	nl.Parent = n4ptr
	leafptr, err := t.add(s, nl)
	if err != nil {
		return err
	}

	if _, _, err := n4.AddChild(b, cur.ptr); err != nil {
		return err
	}
	if _, _, err := n4.AddChild(key[depth+m], leafptr); err != nil {
		return err
	}
	if err := t.storeAt(s, n4ptr, n4); err != nil {
		return err
	}

	cur.n.SetPrefix(tail, rest)
	if t.cfg.MaintainParents {
		cur.n.Parent = n4ptr
	}
	if err := t.store(s, cur); err != nil {
		return err
	}
	return t.repoint(s, parent, key, depth, n4ptr)
}

// addChild hangs a new leaf off cur under b, growing cur when it is full.
func (t *Tree) addChild(s *pager.Session, parent, cur *ref, b byte, key []byte, loc base.ItemPointer) error {
	nl := node.NewLeaf(key, loc)
	nl.Parent = cur.ptr
	leafptr, err := t.add(s, nl)
	if err != nil {
		return err
	}

	out, grown, err := cur.n.AddChild(b, leafptr)
	if err != nil {
		return fmt.Errorf("add child %#x to %v: %w", b, cur.ptr, err)
	}
	if !grown {
		return t.store(s, cur)
	}
	return t.replace(s, parent, cur, out)
}

// replace swaps cur for its grown successor. The node stays in its slot when
// the page has room; otherwise it moves and the parent is repointed.
func (t *Tree) replace(s *pager.Session, parent, cur *ref, grown *node.Node) error {
	err := s.OverwriteItem(cur.entry, cur.ptr.Offset, grown.Encode())
	if err == nil {
		cur.n = grown
		return nil
	}
	if !errors.Is(err, base.ErrPageOverflow) {
		return err
	}
	if parent == nil {
		return fmt.Errorf("grow root %v: %w", cur.n.Kind, ErrCorruption)
	}

	moved, err := t.add(s, grown)
	if err != nil {
		return err
	}
	if err := s.DeleteItem(cur.entry, cur.ptr.Offset); err != nil {
		return err
	}
	var slot byte
	found := false
	parent.n.ForEachChild(func(b byte, c base.ItemPointer) bool {
		if c == cur.ptr {
			slot, found = b, true
			return false
		}
		return true
	})
	if !found {
		return fmt.Errorf("parent %v lost child %v: %w", parent.ptr, cur.ptr, ErrCorruption)
	}
	parent.n.SetChild(slot, moved)
	if err := t.store(s, parent); err != nil {
		return err
	}
	cur.ptr, cur.n = moved, grown

	if !t.cfg.MaintainParents {
		return nil
	}
	grown.ForEachChild(func(_ byte, c base.ItemPointer) bool {
		err = t.setParent(s, c, moved)
		return err == nil
	})
	return err
}

// storeAt overwrites the node at ptr.
func (t *Tree) storeAt(s *pager.Session, ptr base.ItemPointer, n *node.Node) error {
	e, err := s.Load(ptr.Block)
	if err != nil {
		return err
	}
	defer s.Release(e)
	return s.OverwriteItem(e, ptr.Offset, n.Encode())
}
