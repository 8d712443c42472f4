package node

import (
	"encoding/binary"
	"fmt"

	"artidx/internal/base"
)

// Encode serializes the node into a freshly allocated buffer of Size bytes.
//
// Inner node layout:
//
//	[Kind:1][Parent:6][NumChildren:2][PrefixLen:2][Prefix:8][Keys][Children]
//
// Leaf layout:
//
//	[Kind:1][Parent:6][Next:6][Last:6][KeyLen:2][NumItems:2][Key][Items]
func (n *Node) Encode() []byte {
	buf := make([]byte, n.Size())
	buf[0] = byte(n.Kind)
	base.PutItemPointer(buf[1:], n.Parent)

	if n.Kind == KindLeaf {
		base.PutItemPointer(buf[7:], n.Next)
		base.PutItemPointer(buf[13:], n.Last)
		binary.LittleEndian.PutUint16(buf[19:], uint16(len(n.Key)))
		binary.LittleEndian.PutUint16(buf[21:], uint16(len(n.Items)))
		off := LeafHeaderSize + copy(buf[LeafHeaderSize:], n.Key)
		for _, it := range n.Items {
			base.PutItemPointer(buf[off:], it)
			off += base.ItemPointerSize
		}
		return buf
	}

	binary.LittleEndian.PutUint16(buf[7:], uint16(n.NumChildren))
	binary.LittleEndian.PutUint16(buf[9:], uint16(n.PrefixLen))
	copy(buf[11:HeaderSize], n.Prefix[:])
	off := HeaderSize + copy(buf[HeaderSize:], n.Keys)
	for _, c := range n.Children {
		base.PutItemPointer(buf[off:], c)
		off += base.ItemPointerSize
	}
	return buf
}

// Decode parses a node from page item bytes. The result owns its memory.
func Decode(b []byte) (*Node, error) {
	if len(b) == 0 {
		return nil, ErrCorruptNode
	}
	kind := Kind(b[0])
	switch kind {
	case KindLeaf:
		return decodeLeaf(b)
	case Kind4, Kind16, Kind48, Kind256:
	default:
		return nil, fmt.Errorf("tag %d: %w", b[0], ErrUnknownNodeType)
	}

	n := New(kind)
	if len(b) != n.Size() {
		return nil, fmt.Errorf("%v of %d bytes: %w", kind, len(b), ErrCorruptNode)
	}
	n.Parent = base.ReadItemPointer(b[1:])
	n.NumChildren = int(binary.LittleEndian.Uint16(b[7:]))
	n.PrefixLen = int(binary.LittleEndian.Uint16(b[9:]))
	copy(n.Prefix[:], b[11:HeaderSize])
	if n.NumChildren > kind.Capacity() {
		return nil, fmt.Errorf("%v with %d children: %w", kind, n.NumChildren, ErrCorruptNode)
	}
	off := HeaderSize + copy(n.Keys, b[HeaderSize:])
	for i := range n.Children {
		n.Children[i] = base.ReadItemPointer(b[off:])
		off += base.ItemPointerSize
	}
	return n, nil
}

func decodeLeaf(b []byte) (*Node, error) {
	if len(b) < LeafHeaderSize {
		return nil, fmt.Errorf("leaf of %d bytes: %w", len(b), ErrCorruptNode)
	}
	keyLen := int(binary.LittleEndian.Uint16(b[19:]))
	numItems := int(binary.LittleEndian.Uint16(b[21:]))
	if len(b) != LeafSize(keyLen, numItems) {
		return nil, fmt.Errorf("leaf of %d bytes with key %d and %d items: %w",
			len(b), keyLen, numItems, ErrCorruptNode)
	}
	n := &Node{
		Kind:   KindLeaf,
		Parent: base.ReadItemPointer(b[1:]),
		Next:   base.ReadItemPointer(b[7:]),
		Last:   base.ReadItemPointer(b[13:]),
		Key:    append([]byte(nil), b[LeafHeaderSize:LeafHeaderSize+keyLen]...),
		Items:  make([]base.ItemPointer, numItems),
	}
	off := LeafHeaderSize + keyLen
	for i := range n.Items {
		n.Items[i] = base.ReadItemPointer(b[off:])
		off += base.ItemPointerSize
	}
	return n, nil
}

// PeekKind reads the tag of an encoded node without decoding it.
func PeekKind(b []byte) (Kind, error) {
	if len(b) == 0 {
		return 0, ErrCorruptNode
	}
	k := Kind(b[0])
	if k < KindLeaf || k > Kind256 {
		return 0, fmt.Errorf("tag %d: %w", b[0], ErrUnknownNodeType)
	}
	return k, nil
}

// SetParent rewrites the parent reference of an encoded node in place.
func SetParent(b []byte, parent base.ItemPointer) {
	base.PutItemPointer(b[1:], parent)
}
