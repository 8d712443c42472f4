package artidx

import (
	"fmt"

	"artidx/internal/base"
	"artidx/internal/node"
)

// Locator identifies a stored row: the block and line pointer of the heap
// tuple the index entry points at. The index never interprets it.
type Locator struct {
	Block  uint32
	Offset uint16
}

func (l Locator) String() string {
	return fmt.Sprintf("(%d,%d)", l.Block, l.Offset)
}

func (l Locator) pointer() base.ItemPointer {
	return base.ItemPointer{Block: base.PageID(l.Block), Offset: l.Offset}
}

func locatorOf(p base.ItemPointer) Locator {
	return Locator{Block: uint32(p.Block), Offset: p.Offset}
}

// Op is a comparison operator for Scan.
type Op = node.Op

const (
	OpEQ = node.OpEQ
	OpLT = node.OpLT
	OpLE = node.OpLE
	OpGT = node.OpGT
	OpGE = node.OpGE
)
