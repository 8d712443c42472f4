package node

import (
	"encoding/binary"
	"math/bits"

	"artidx/internal/base"
)

// Op is a search comparator.
type Op uint8

const (
	OpEQ Op = iota
	OpLT
	OpLE
	OpGT
	OpGE
)

func (op Op) String() string {
	switch op {
	case OpEQ:
		return "="
	case OpLT:
		return "<"
	case OpLE:
		return "<="
	case OpGT:
		return ">"
	case OpGE:
		return ">="
	default:
		return "?"
	}
}

func (op Op) Valid() bool { return op <= OpGE }

// Accepts reports whether cmp, the three-way comparison of a stored key
// against the search key, satisfies op.
func (op Op) Accepts(cmp int) bool {
	switch op {
	case OpEQ:
		return cmp == 0
	case OpLT:
		return cmp < 0
	case OpLE:
		return cmp <= 0
	case OpGT:
		return cmp > 0
	case OpGE:
		return cmp >= 0
	default:
		return false
	}
}

// Candidate is a child selected by a range lookup. Exact is set when the
// child's key byte equals the search byte, meaning deeper bytes still decide.
type Candidate struct {
	Byte  byte
	Ref   base.ItemPointer
	Exact bool
}

// ChildRange selects the children that may hold keys satisfying op against a
// search key whose byte at this level is b. Candidates come in ascending key
// order. For OpEQ it degenerates to FindChild.
func (n *Node) ChildRange(b byte, op Op) []Candidate {
	if op == OpEQ {
		if ref, ok := n.FindChild(b); ok {
			return []Candidate{{Byte: b, Ref: ref, Exact: true}}
		}
		return nil
	}
	below := op == OpLT || op == OpLE

	var out []Candidate
	keep := func(k byte, ref base.ItemPointer) {
		switch {
		case k == b:
			out = append(out, Candidate{Byte: k, Ref: ref, Exact: true})
		case below && k < b, !below && k > b:
			out = append(out, Candidate{Byte: k, Ref: ref})
		}
	}

	switch n.Kind {
	case Kind4, Kind16:
		for i := 0; i < n.NumChildren; i++ {
			keep(n.Keys[i], n.Children[i])
		}
	case Kind48, Kind256:
		lo, hi := int(b), 255
		if below {
			lo, hi = 0, int(b)
		}
		for k := lo; k <= hi; k++ {
			var ref base.ItemPointer
			if n.Kind == Kind48 {
				idx := n.Keys[k]
				if idx == emptyIndex {
					continue
				}
				ref = n.Children[idx-1]
			} else {
				ref = n.Children[k]
				if !ref.Valid() {
					continue
				}
			}
			keep(byte(k), ref)
		}
	}
	return out
}

// findKey16 locates b among the first n keys of a Node16.
func findKey16(keys []byte, n int, b byte) int {
	if len(keys) == 16 {
		return findKeySWAR(keys, n, b)
	}
	return findKeyScalar(keys, n, b)
}

func findKeyScalar(keys []byte, n int, b byte) int {
	for i := 0; i < n; i++ {
		if keys[i] == b {
			return i
		}
	}
	return -1
}

const (
	lows  = 0x0101010101010101
	highs = 0x8080808080808080
)

// findKeySWAR compares eight keys per 64-bit word. The lowest flagged byte of
// the zero-byte test is always a true match.
func findKeySWAR(keys []byte, n int, b byte) int {
	pattern := uint64(b) * lows
	for w := 0; w < 2; w++ {
		x := binary.LittleEndian.Uint64(keys[w*8:]) ^ pattern
		hit := (x - lows) &^ x & highs
		if hit == 0 {
			continue
		}
		i := w*8 + bits.TrailingZeros64(hit)/8
		if i < n {
			return i
		}
		return -1
	}
	return -1
}
