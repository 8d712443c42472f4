package base

import (
	"encoding/binary"
	"fmt"
)

// PageID is a block number within the index file.
type PageID uint32

const InvalidPageID PageID = 0xFFFFFFFF

const (
	MetaPageID      PageID = 0
	RootPageID      PageID = 1
	FirstLeafPageID PageID = 2

	RootSlot uint16 = 1
)

// PageKind tags a data page. A page holds either inner nodes or leaves, never both.
type PageKind uint8

const (
	KindNode PageKind = 1 << 0
	KindLeaf PageKind = 1 << 1
)

func (k PageKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ItemPointer addresses an item on a page: block number plus 1-based slot.
// It is used both for node references inside the index and for the opaque
// locators stored in leaves.
type ItemPointer struct {
	Block  PageID
	Offset uint16
}

const ItemPointerSize = 6

var InvalidItemPointer = ItemPointer{Block: InvalidPageID}

func (p ItemPointer) Valid() bool {
	return p.Block != InvalidPageID && p.Offset != 0
}

func (p ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", p.Block, p.Offset)
}

func PutItemPointer(b []byte, p ItemPointer) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.Block))
	binary.LittleEndian.PutUint16(b[4:6], p.Offset)
}

func ReadItemPointer(b []byte) ItemPointer {
	return ItemPointer{
		Block:  PageID(binary.LittleEndian.Uint32(b[0:4])),
		Offset: binary.LittleEndian.Uint16(b[4:6]),
	}
}

// DataTrailerSize is the special space of node and leaf pages:
// Kind(1) + Pad(1) + ItemCount(2) + DeletedCount(2) + DeletedBytes(2) + Next(4)
const DataTrailerSize = 12

// DataTrailer is the per-page bookkeeping kept at the end of node and leaf pages.
type DataTrailer struct {
	Kind         PageKind
	ItemCount    uint16
	DeletedCount uint16
	DeletedBytes uint16
	Next         PageID // continuation page, unused today
}

// InitData formats an empty data page of the given kind.
func (p *Page) InitData(kind PageKind) {
	p.Init(DataTrailerSize)
	p.SetDataTrailer(DataTrailer{Kind: kind, Next: InvalidPageID})
}

func (p *Page) DataTrailer() DataTrailer {
	b := p.Data[PageSize-DataTrailerSize:]
	return DataTrailer{
		Kind:         PageKind(b[0]),
		ItemCount:    binary.LittleEndian.Uint16(b[2:4]),
		DeletedCount: binary.LittleEndian.Uint16(b[4:6]),
		DeletedBytes: binary.LittleEndian.Uint16(b[6:8]),
		Next:         PageID(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func (p *Page) SetDataTrailer(t DataTrailer) {
	b := p.Data[PageSize-DataTrailerSize:]
	b[0] = byte(t.Kind)
	b[1] = 0
	binary.LittleEndian.PutUint16(b[2:4], t.ItemCount)
	binary.LittleEndian.PutUint16(b[4:6], t.DeletedCount)
	binary.LittleEndian.PutUint16(b[6:8], t.DeletedBytes)
	binary.LittleEndian.PutUint32(b[8:12], uint32(t.Next))
}

// Kind returns the data page kind, or 0 for pages that are not data pages.
func (p *Page) Kind() PageKind {
	if p.IsNew() || p.Special() != PageSize-DataTrailerSize {
		return 0
	}
	return p.DataTrailer().Kind
}

const NumFreeHints = 8

// FreeHint remembers a data page that still had room when it stopped being
// the allocation tail.
type FreeHint struct {
	Page PageID
	Free uint16
	Kind PageKind
}

func (h FreeHint) Empty() bool {
	return h.Page == 0 || h.Page == InvalidPageID
}

// MetaSize is the special space of the meta page:
// Magic(4) + Version(2) + PageSize(2) + Hints(8*8) + LastInternal(4) + LastLeaf(4) + NumPages(4) + Tuples(8)
const MetaSize = 4 + 2 + 2 + NumFreeHints*8 + 4 + 4 + 4 + 8

// Meta is the content of block 0.
type Meta struct {
	Magic        uint32
	Version      uint16
	PageSize     uint16
	Hints        [NumFreeHints]FreeHint
	LastInternal PageID // current tail page for inner nodes
	LastLeaf     PageID // current tail page for leaves
	NumPages     uint32
	Tuples       uint64
}

// NewMeta returns the meta page contents of an empty index.
func NewMeta() Meta {
	return Meta{
		Magic:        MagicNumber,
		Version:      FormatVersion,
		PageSize:     PageSize,
		LastInternal: RootPageID,
		LastLeaf:     FirstLeafPageID,
		NumPages:     uint32(FirstLeafPageID) + 1,
	}
}

// Validate checks magic, version and page size.
func (m *Meta) Validate() error {
	if m.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if m.Version != FormatVersion {
		return ErrInvalidVersion
	}
	if m.PageSize != PageSize {
		return ErrInvalidPageSize
	}
	return nil
}

func (p *Page) InitMeta(m Meta) {
	p.Init(MetaSize)
	p.WriteMeta(m)
}

func (p *Page) ReadMeta() Meta {
	b := p.Data[PageSize-MetaSize:]
	var m Meta
	m.Magic = binary.LittleEndian.Uint32(b[0:4])
	m.Version = binary.LittleEndian.Uint16(b[4:6])
	m.PageSize = binary.LittleEndian.Uint16(b[6:8])
	off := 8
	for i := range m.Hints {
		m.Hints[i] = FreeHint{
			Page: PageID(binary.LittleEndian.Uint32(b[off:])),
			Free: binary.LittleEndian.Uint16(b[off+4:]),
			Kind: PageKind(b[off+6]),
		}
		off += 8
	}
	m.LastInternal = PageID(binary.LittleEndian.Uint32(b[off:]))
	m.LastLeaf = PageID(binary.LittleEndian.Uint32(b[off+4:]))
	m.NumPages = binary.LittleEndian.Uint32(b[off+8:])
	m.Tuples = binary.LittleEndian.Uint64(b[off+12:])
	return m
}

func (p *Page) WriteMeta(m Meta) {
	b := p.Data[PageSize-MetaSize:]
	binary.LittleEndian.PutUint32(b[0:4], m.Magic)
	binary.LittleEndian.PutUint16(b[4:6], m.Version)
	binary.LittleEndian.PutUint16(b[6:8], m.PageSize)
	off := 8
	for _, h := range m.Hints {
		binary.LittleEndian.PutUint32(b[off:], uint32(h.Page))
		binary.LittleEndian.PutUint16(b[off+4:], h.Free)
		b[off+6] = byte(h.Kind)
		b[off+7] = 0
		off += 8
	}
	binary.LittleEndian.PutUint32(b[off:], uint32(m.LastInternal))
	binary.LittleEndian.PutUint32(b[off+4:], uint32(m.LastLeaf))
	binary.LittleEndian.PutUint32(b[off+8:], m.NumPages)
	binary.LittleEndian.PutUint64(b[off+12:], m.Tuples)
}
