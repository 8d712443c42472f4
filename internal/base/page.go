package base

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const (
	PageSize = 8192

	PageHeaderSize  = 16 // Checksum(8) + Lower(2) + Upper(2) + Special(2) + Version(2)
	LinePointerSize = 4  // Offset(2) + Length(2), high bit of Length marks a dead slot

	// MagicNumber for file format identification ("arti" in hex)
	MagicNumber uint32 = 0x61727469

	FormatVersion uint16 = 1

	// MaxItemSize is the largest item that fits on an empty data page.
	MaxItemSize = PageSize - PageHeaderSize - LinePointerSize - DataTrailerSize

	deadFlag uint16 = 0x8000
)

// Page is a raw disk page (8192 bytes)
//
// SLOTTED PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (16 bytes)                                                   │
// │ Checksum, Lower, Upper, Special, Version                            │
// ├─────────────────────────────────────────────────────────────────────┤
// │ LinePointer[1] (4 bytes)                                            │
// │ Offset, Length|Dead                                                 │
// ├─────────────────────────────────────────────────────────────────────┤
// │ LinePointer[2] ... LinePointer[N]                    (grows →)      │
// ├──────────────────────────── Lower ──────────────────────────────────┤
// │ Free space                                                          │
// ├──────────────────────────── Upper ──────────────────────────────────┤
// │ Item[N] | ... | Item[2] | Item[1]                    (← grows)      │
// ├──────────────────────────── Special ────────────────────────────────┤
// │ Trailer (DataTrailer or Meta)                                       │
// └─────────────────────────────────────────────────────────────────────┘
//
// Slots are numbered from 1 so that a zero ItemPointer is never valid.
type Page struct {
	Data [PageSize]byte
}

func (p *Page) u16(off int) uint16 {
	return binary.LittleEndian.Uint16(p.Data[off:])
}

func (p *Page) putU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(p.Data[off:], v)
}

func (p *Page) Lower() int   { return int(p.u16(8)) }
func (p *Page) Upper() int   { return int(p.u16(10)) }
func (p *Page) Special() int { return int(p.u16(12)) }

// IsNew reports whether the page was never initialized.
func (p *Page) IsNew() bool {
	return p.Upper() == 0
}

// Init formats an empty slotted page reserving trailerSize bytes at the end.
func (p *Page) Init(trailerSize int) {
	p.Data = [PageSize]byte{}
	special := PageSize - trailerSize
	p.putU16(8, PageHeaderSize)
	p.putU16(10, uint16(special))
	p.putU16(12, uint16(special))
	p.putU16(14, FormatVersion)
}

// NumSlots returns the number of line pointers, dead ones included.
func (p *Page) NumSlots() int {
	return (p.Lower() - PageHeaderSize) / LinePointerSize
}

func (p *Page) linePointer(slot uint16) (offset, length int, dead bool) {
	at := PageHeaderSize + int(slot-1)*LinePointerSize
	raw := p.u16(at + 2)
	return int(p.u16(at)), int(raw &^ deadFlag), raw&deadFlag != 0
}

func (p *Page) setLinePointer(slot uint16, offset, length int, dead bool) {
	at := PageHeaderSize + int(slot-1)*LinePointerSize
	raw := uint16(length)
	if dead {
		raw |= deadFlag
	}
	p.putU16(at, uint16(offset))
	p.putU16(at+2, raw)
}

func (p *Page) checkSlot(slot uint16) error {
	if slot == 0 || int(slot) > p.NumSlots() {
		return ErrInvalidSlot
	}
	return nil
}

// Item returns the bytes of a live item. The slice aliases the page.
func (p *Page) Item(slot uint16) ([]byte, error) {
	if err := p.checkSlot(slot); err != nil {
		return nil, err
	}
	off, length, dead := p.linePointer(slot)
	if dead {
		return nil, ErrInvalidSlot
	}
	if off < p.Upper() || off+length > p.Special() {
		return nil, ErrInvalidOffset
	}
	return p.Data[off : off+length], nil
}

// FreeSpace is the room left for a new item, accounting for its line pointer.
func (p *Page) FreeSpace() int {
	return max(p.Upper()-p.Lower()-LinePointerSize, 0)
}

// ExactFreeSpace is the gap between the line pointers and the item area.
func (p *Page) ExactFreeSpace() int {
	return p.Upper() - p.Lower()
}

// AddItem appends an item and returns its slot.
func (p *Page) AddItem(item []byte) (uint16, error) {
	if len(item)+LinePointerSize > p.ExactFreeSpace() {
		return 0, ErrPageOverflow
	}
	slot := uint16(p.NumSlots() + 1)
	upper := p.Upper() - len(item)
	copy(p.Data[upper:], item)
	p.putU16(10, uint16(upper))
	p.putU16(8, uint16(p.Lower()+LinePointerSize))
	p.setLinePointer(slot, upper, len(item), false)
	return slot, nil
}

// OverwriteItem replaces a live item in place. The slot number is kept; other
// items are shifted when the size changes.
func (p *Page) OverwriteItem(slot uint16, item []byte) error {
	if err := p.checkSlot(slot); err != nil {
		return err
	}
	off, length, dead := p.linePointer(slot)
	if dead {
		return ErrInvalidSlot
	}
	if len(item) == length {
		copy(p.Data[off:], item)
		return nil
	}
	if len(item)-length > p.ExactFreeSpace() {
		return ErrPageOverflow
	}

	// Close the hole left by the old item, then place the new one at upper.
	upper := p.Upper()
	copy(p.Data[upper+length:off+length], p.Data[upper:off])
	for s := uint16(1); int(s) <= p.NumSlots(); s++ {
		o, l, d := p.linePointer(s)
		if o < off && o >= upper {
			p.setLinePointer(s, o+length, l, d)
		}
	}
	upper += length - len(item)
	copy(p.Data[upper:], item)
	p.putU16(10, uint16(upper))
	p.setLinePointer(slot, upper, len(item), false)
	return nil
}

// DeleteItem marks a slot dead without reclaiming its bytes and returns the
// size of the removed item.
func (p *Page) DeleteItem(slot uint16) (int, error) {
	if err := p.checkSlot(slot); err != nil {
		return 0, err
	}
	off, length, dead := p.linePointer(slot)
	if dead {
		return 0, ErrInvalidSlot
	}
	p.setLinePointer(slot, off, length, true)
	return length, nil
}

// ComputeChecksum hashes everything after the checksum field.
func (p *Page) ComputeChecksum() uint64 {
	return xxhash.Sum64(p.Data[8:])
}

// Seal stamps the checksum before the page is written.
func (p *Page) Seal() {
	binary.LittleEndian.PutUint64(p.Data[0:8], p.ComputeChecksum())
}

// Verify checks the stored checksum. Never-written pages carry none.
func (p *Page) Verify() error {
	stored := binary.LittleEndian.Uint64(p.Data[0:8])
	if stored == 0 && p.IsNew() {
		return nil
	}
	if stored != p.ComputeChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}
