package storage

import "encoding/binary"

// PageSize is the default page size in bytes (4 KB). Must be a power of
// two, >= 512 (spec §3).
const PageSize = 4096

// PageType identifies a page's kind via its first two bytes.
type PageType uint16

const (
	PageTypeUndefined    PageType = 0
	PageTypeFirstPage    PageType = 1 // page 0: database header
	PageTypeMetaPage     PageType = 2 // reserved; catalog tree nodes are tagged PageTypeBTreeNode
	PageTypeBTreeNode    PageType = 3 // B-tree node (index or primary key)
	PageTypeDataPage     PageType = 4 // data page (documents)
	PageTypeFreeListPage PageType = 5 // free-list overflow page (unused, §9)
)

func (t PageType) String() string {
	switch t {
	case PageTypeFirstPage:
		return "FirstPage"
	case PageTypeMetaPage:
		return "MetaPage"
	case PageTypeBTreeNode:
		return "BTreeNode"
	case PageTypeDataPage:
		return "DataPage"
	case PageTypeFreeListPage:
		return "FreeListPage"
	default:
		return "Undefined"
	}
}

// Page is a raw, fixed-size page, addressed big-endian. A page image is
// immutable once sealed: to modify one, Clone() it and rewrite the copy
// through the pipeline (journal -> cache), never mutate an image already
// cached or already committed.
type Page struct {
	id   uint32
	data []byte
}

// New allocates a zeroed page of the given size.
func New(id uint32, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// NewTyped allocates a page and sets its type tag.
func NewTyped(id uint32, size int, t PageType) *Page {
	p := New(id, size)
	p.SetType(t)
	return p
}

func (p *Page) ID() uint32      { return p.id }
func (p *Page) SetID(id uint32) { p.id = id }
func (p *Page) Size() int       { return len(p.data) }

func (p *Page) Type() PageType     { return PageType(p.GetU16(0)) }
func (p *Page) SetType(t PageType) { p.PutU16(0, uint16(t)) }

// Bytes exposes the raw buffer. Callers that keep the slice beyond the
// page's own lifetime must Clone() first.
func (p *Page) Bytes() []byte { return p.data }

// Clone returns a deep copy, ready to be mutated and rewritten.
func (p *Page) Clone() *Page {
	out := &Page{id: p.id, data: make([]byte, len(p.data))}
	copy(out.data, p.data)
	return out
}

// Accessors are bounds-checked (§4.1): an out-of-range access is a
// programming error, so it panics rather than silently corrupting a
// neighboring field.
func (p *Page) checkBounds(offset, width int) {
	if offset < 0 || width < 0 || offset+width > len(p.data) {
		panic("storage: page access out of bounds")
	}
}

func (p *Page) GetU8(offset int) uint8 {
	p.checkBounds(offset, 1)
	return p.data[offset]
}

func (p *Page) PutU8(offset int, v uint8) {
	p.checkBounds(offset, 1)
	p.data[offset] = v
}

func (p *Page) GetU16(offset int) uint16 {
	p.checkBounds(offset, 2)
	return binary.BigEndian.Uint16(p.data[offset:])
}

func (p *Page) PutU16(offset int, v uint16) {
	p.checkBounds(offset, 2)
	binary.BigEndian.PutUint16(p.data[offset:], v)
}

func (p *Page) GetU32(offset int) uint32 {
	p.checkBounds(offset, 4)
	return binary.BigEndian.Uint32(p.data[offset:])
}

func (p *Page) PutU32(offset int, v uint32) {
	p.checkBounds(offset, 4)
	binary.BigEndian.PutUint32(p.data[offset:], v)
}

func (p *Page) GetU64(offset int) uint64 {
	p.checkBounds(offset, 8)
	return binary.BigEndian.Uint64(p.data[offset:])
}

func (p *Page) PutU64(offset int, v uint64) {
	p.checkBounds(offset, 8)
	binary.BigEndian.PutUint64(p.data[offset:], v)
}

// Get reads a copy of width bytes at offset.
func (p *Page) Get(offset, width int) []byte {
	p.checkBounds(offset, width)
	out := make([]byte, width)
	copy(out, p.data[offset:offset+width])
	return out
}

// Put writes bytes starting at offset.
func (p *Page) Put(offset int, bytes []byte) {
	p.checkBounds(offset, len(bytes))
	copy(p.data[offset:], bytes)
}

// ReadFromFile loads the page's content from f at the given offset.
func (p *Page) ReadFromFile(f StorageFile, fileOffset int64) error {
	_, err := f.ReadAt(p.data, fileOffset)
	return err
}

// SyncToFile writes the page's content to f at its native position
// (id * page size).
func (p *Page) SyncToFile(f StorageFile) error {
	_, err := f.WriteAt(p.data, int64(p.id)*int64(len(p.data)))
	return err
}
