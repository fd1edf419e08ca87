package storage

import (
	"github.com/klauspost/compress/snappy"

	"github.com/polodb/polodb-go/dberr"
)

// Ticket is the opaque 6-byte (page_id, slot_index) locator of §3, stable
// while the record exists. Replacement on update allocates a fresh ticket
// and frees the old one.
type Ticket struct {
	PageID uint32
	Slot   uint16
}

// Encode packs the ticket into its 6-byte on-page form.
func (t Ticket) Encode() [6]byte {
	var b [6]byte
	b[0] = byte(t.PageID >> 24)
	b[1] = byte(t.PageID >> 16)
	b[2] = byte(t.PageID >> 8)
	b[3] = byte(t.PageID)
	b[4] = byte(t.Slot >> 8)
	b[5] = byte(t.Slot)
	return b
}

// DecodeTicket unpacks a 6-byte ticket.
func DecodeTicket(b [6]byte) Ticket {
	return Ticket{
		PageID: uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Slot:   uint16(b[4])<<8 | uint16(b[5]),
	}
}

func (t Ticket) IsZero() bool { return t.PageID == 0 && t.Slot == 0 }

// DataPage layout: [2-byte type tag][slot directory grows backward from the
// tail][payload bytes packed forward from dataAreaStart]. The slot
// directory entry is (offset uint16, length uint16, flags byte); flags bit0
// = deleted, bit1 = overflow (payload is an overflow-chain pointer), bit2 =
// compressed (snappy, §4.6 "data placement").
const (
	dataSlotCountOffset = 2 // uint16, right after the type tag
	dataNextPageOffset  = 4 // uint32: next chained data page, 0 = none
	dataAreaStart       = 8 // payload packs forward from here
	slotEntrySize       = 5 // offset(2) + length(2) + flags(1), grows backward from the tail
)

const (
	slotFlagDeleted    byte = 1 << 0
	slotFlagOverflow   byte = 1 << 1
	slotFlagCompressed byte = 1 << 2
)

// maxInline bounds inline (non-overflowing) payload size to ~page_size/4
// (§4.6).
func maxInline(pageSize int) int { return pageSize / 4 }

type dataPage struct {
	page *Page
}

func newDataPage(id uint32, pageSize int) *dataPage {
	p := NewTyped(id, pageSize, PageTypeDataPage)
	p.PutU16(dataSlotCountOffset, 0)
	return &dataPage{page: p}
}

func wrapDataPage(p *Page) *dataPage { return &dataPage{page: p} }

func (d *dataPage) slotCount() int { return int(d.page.GetU16(dataSlotCountOffset)) }

func (d *dataPage) directoryStart() int {
	return d.page.Size() - d.slotCount()*slotEntrySize
}

func (d *dataPage) slotOffset(i int) int { return d.page.Size() - (i+1)*slotEntrySize }

func (d *dataPage) readSlot(i int) (offset, length uint16, flags byte) {
	so := d.slotOffset(i)
	offset = d.page.GetU16(so)
	length = d.page.GetU16(so + 2)
	flags = d.page.GetU8(so + 4)
	return
}

func (d *dataPage) writeSlot(i int, offset, length uint16, flags byte) {
	so := d.slotOffset(i)
	d.page.PutU16(so, offset)
	d.page.PutU16(so+2, length)
	d.page.PutU8(so+4, flags)
}

// freeSpace returns the bytes available between the packed payload area and
// the slot directory, minus room for one more directory entry.
func (d *dataPage) freeSpace() int {
	payloadEnd := dataAreaStart
	for i := 0; i < d.slotCount(); i++ {
		off, length, _ := d.readSlot(i)
		if end := int(off) + int(length); end > payloadEnd {
			payloadEnd = end
		}
	}
	return d.directoryStart() - slotEntrySize - payloadEnd
}

// append stores payload, returning its new slot index.
func (d *dataPage) append(payload []byte, flags byte) (int, bool) {
	if d.freeSpace() < len(payload) {
		return 0, false
	}
	payloadEnd := dataAreaStart
	for i := 0; i < d.slotCount(); i++ {
		off, length, _ := d.readSlot(i)
		if end := int(off) + int(length); end > payloadEnd {
			payloadEnd = end
		}
	}
	d.page.Put(payloadEnd, payload)
	idx := d.slotCount()
	d.page.PutU16(dataSlotCountOffset, uint16(idx+1))
	d.writeSlot(idx, uint16(payloadEnd), uint16(len(payload)), flags)
	return idx, true
}

func (d *dataPage) read(slot int) ([]byte, byte) {
	off, length, flags := d.readSlot(slot)
	return d.page.Get(int(off), int(length)), flags
}

func (d *dataPage) markDeleted(slot int) {
	off, length, flags := d.readSlot(slot)
	d.writeSlot(slot, off, length, flags|slotFlagDeleted)
}

// Allocator owns page-id allocation (free-list + growth) and packs
// variable-length document payloads into DataPages, returning tickets
// (§4.6).
type Allocator struct {
	backend *Backend
	fp      *FirstPage
}

// NewAllocator wraps a Backend, loading (or initializing) page 0.
func NewAllocator(b *Backend) (*Allocator, error) {
	p, err := b.ReadPage(0)
	if err != nil {
		return nil, err
	}
	fp, err := LoadFirstPage(p)
	if err != nil {
		return nil, err
	}
	return &Allocator{backend: b, fp: fp}, nil
}

// AllocPageID implements §4.6 alloc_page_id: pop the free list if
// non-empty, else return null_page_bar and advance it, growing the main
// file by DBInitBlockCount pages if the bar crosses the committed size.
func (a *Allocator) AllocPageID() (uint32, error) {
	if pid, ok := a.fp.PopFree(); ok {
		if err := a.flushFirstPage(); err != nil {
			return 0, err
		}
		return pid, nil
	}

	pid := a.fp.NullPageBar()
	a.fp.SetNullPageBar(pid + 1)

	pageSize := int64(a.backend.PageSize())
	needed := int64(pid+1) * pageSize
	if needed > a.backend.DBSize() {
		grown := a.backend.DBSize() + int64(DBInitBlockCount)*pageSize
		a.backend.SetDBSize(grown)
	}
	if err := a.flushFirstPage(); err != nil {
		return 0, err
	}
	return pid, nil
}

// FreePage appends pid to the inline free list (§4.6). Surfaces
// NotImplement once HeaderFreeListMax is exceeded.
func (a *Allocator) FreePage(pid uint32) error {
	if err := a.fp.PushFree(pid); err != nil {
		return err
	}
	return a.flushFirstPage()
}

// FreePages frees a batch of page ids.
func (a *Allocator) FreePages(pids []uint32) error {
	for _, pid := range pids {
		if err := a.FreePage(pid); err != nil {
			return err
		}
	}
	return nil
}

func (a *Allocator) flushFirstPage() error {
	a.fp.Seal()
	return a.backend.WritePage(a.fp.Page())
}

// MetaRootPID / SetMetaRootPID expose the catalog's root page id.
func (a *Allocator) MetaRootPID() uint32 { return a.fp.MetaRootPID() }
func (a *Allocator) SetMetaRootPID(pid uint32) error {
	a.fp.SetMetaRootPID(pid)
	return a.flushFirstPage()
}

// InsertData packs payload into a DataPage, compressing with snappy when
// that shrinks it, overflowing into a page chain past maxInline, and
// returns the resulting ticket (§4.6).
func (a *Allocator) InsertData(headPID uint32, payload []byte) (Ticket, uint32, error) {
	pageSize := a.backend.PageSize()
	store, flags := a.maybeCompress(payload)

	if len(store) > maxInline(pageSize) {
		return a.insertOverflow(headPID, payload)
	}

	pid := headPID
	var lastPID uint32
	for pid != 0 {
		p, err := a.backend.ReadPage(pid)
		if err != nil {
			return Ticket{}, headPID, err
		}
		dp := wrapDataPage(p)
		if slot, ok := dp.append(store, flags); ok {
			if err := a.backend.WritePage(dp.page); err != nil {
				return Ticket{}, headPID, err
			}
			return Ticket{PageID: pid, Slot: uint16(slot)}, headPID, nil
		}
		lastPID = pid
		pid, err = a.nextDataPage(p)
		if err != nil {
			return Ticket{}, headPID, err
		}
	}

	newPID, err := a.AllocPageID()
	if err != nil {
		return Ticket{}, headPID, err
	}
	dp := newDataPage(newPID, pageSize)
	slot, ok := dp.append(store, flags)
	if !ok {
		return Ticket{}, headPID, dberr.New(dberr.ItemSizeGreaterThenExpected, "record too large for an empty page")
	}
	if err := a.backend.WritePage(dp.page); err != nil {
		return Ticket{}, headPID, err
	}
	newHead := headPID
	if lastPID == 0 {
		newHead = newPID
	} else {
		if err := a.chainDataPage(lastPID, newPID); err != nil {
			return Ticket{}, headPID, err
		}
	}
	return Ticket{PageID: newPID, Slot: uint16(slot)}, newHead, nil
}

// maxOverflowChunk is the payload capacity of one overflow page, past the
// 2-byte page-type tag at its start and the 4-byte next-page-id trailer
// reserved in the last four bytes of the page.
func maxOverflowChunk(pageSize int) int { return pageSize - 6 }

func (a *Allocator) insertOverflow(headPID uint32, payload []byte) (Ticket, uint32, error) {
	pageSize := a.backend.PageSize()
	chunkCap := maxOverflowChunk(pageSize)

	var firstOverflow uint32
	var prevID uint32
	offset := 0
	for offset < len(payload) {
		pid, err := a.AllocPageID()
		if err != nil {
			return Ticket{}, headPID, err
		}
		if firstOverflow == 0 {
			firstOverflow = pid
		}
		end := offset + chunkCap
		if end > len(payload) {
			end = len(payload)
		}
		p := NewTyped(pid, pageSize, PageTypeDataPage)
		p.PutU32(pageSize-4, 0) // next overflow page id, patched below
		p.Put(2, payload[offset:end])
		if err := a.backend.WritePage(p); err != nil {
			return Ticket{}, headPID, err
		}
		if prevID != 0 {
			if err := a.chainOverflowPage(prevID, pid); err != nil {
				return Ticket{}, headPID, err
			}
		}
		prevID = pid
		offset = end
	}

	// Store the (total_len, first_overflow_pid) pointer as a regular
	// inline record in the collection's data-page chain.
	ptr := make([]byte, 8)
	putU32(ptr[0:4], uint32(len(payload)))
	putU32(ptr[4:8], firstOverflow)

	pid := headPID
	var lastPID uint32
	for pid != 0 {
		p, err := a.backend.ReadPage(pid)
		if err != nil {
			return Ticket{}, headPID, err
		}
		dp := wrapDataPage(p)
		if slot, ok := dp.append(ptr, slotFlagOverflow); ok {
			if err := a.backend.WritePage(dp.page); err != nil {
				return Ticket{}, headPID, err
			}
			return Ticket{PageID: pid, Slot: uint16(slot)}, headPID, nil
		}
		lastPID = pid
		pid, err = a.nextDataPage(p)
		if err != nil {
			return Ticket{}, headPID, err
		}
	}

	newPID, err := a.AllocPageID()
	if err != nil {
		return Ticket{}, headPID, err
	}
	dp := newDataPage(newPID, pageSize)
	slot, _ := dp.append(ptr, slotFlagOverflow)
	if err := a.backend.WritePage(dp.page); err != nil {
		return Ticket{}, headPID, err
	}
	newHead := headPID
	if lastPID == 0 {
		newHead = newPID
	} else if err := a.chainDataPage(lastPID, newPID); err != nil {
		return Ticket{}, headPID, err
	}
	return Ticket{PageID: newPID, Slot: uint16(slot)}, newHead, nil
}

// ReadData dereferences a ticket to its stored payload, following the
// overflow chain and decompressing if needed.
func (a *Allocator) ReadData(t Ticket) ([]byte, error) {
	p, err := a.backend.ReadPage(t.PageID)
	if err != nil {
		return nil, err
	}
	dp := wrapDataPage(p)
	raw, flags := dp.read(int(t.Slot))
	if flags&slotFlagDeleted != 0 {
		return nil, dberr.New(dberr.IO, "ticket references a deleted slot")
	}
	if flags&slotFlagOverflow != 0 {
		totalLen := getU32(raw[0:4])
		firstPID := getU32(raw[4:8])
		return a.readOverflowChain(firstPID, totalLen)
	}
	if flags&slotFlagCompressed != 0 {
		out, err := snappy.Decode(nil, raw)
		if err != nil {
			return nil, dberr.Wrap(dberr.ParseError, err, "snappy decode")
		}
		return out, nil
	}
	return raw, nil
}

func (a *Allocator) readOverflowChain(firstPID uint32, totalLen uint32) ([]byte, error) {
	out := make([]byte, 0, totalLen)
	pid := firstPID
	remaining := int(totalLen)
	pageSize := a.backend.PageSize()
	chunkCap := maxOverflowChunk(pageSize)
	for pid != 0 && remaining > 0 {
		p, err := a.backend.ReadPage(pid)
		if err != nil {
			return nil, err
		}
		n := remaining
		if n > chunkCap {
			n = chunkCap
		}
		out = append(out, p.Get(2, n)...)
		remaining -= n
		pid = p.GetU32(pageSize - 4)
	}
	return out, nil
}

// FreeTicket marks the ticket's slot unused. Payload bytes remain until the
// page is compacted or reused (§4.6).
func (a *Allocator) FreeTicket(t Ticket) error {
	p, err := a.backend.ReadPage(t.PageID)
	if err != nil {
		return err
	}
	dp := wrapDataPage(p)
	_, flags := dp.read(int(t.Slot))
	if flags&slotFlagOverflow != 0 {
		raw, _ := dp.read(int(t.Slot))
		firstPID := getU32(raw[4:8])
		if err := a.freeOverflowChain(firstPID); err != nil {
			return err
		}
	}
	dp.markDeleted(int(t.Slot))
	return a.backend.WritePage(dp.page)
}

func (a *Allocator) freeOverflowChain(firstPID uint32) error {
	pageSize := a.backend.PageSize()
	pid := firstPID
	var toFree []uint32
	for pid != 0 {
		p, err := a.backend.ReadPage(pid)
		if err != nil {
			return err
		}
		toFree = append(toFree, pid)
		pid = p.GetU32(pageSize - 4)
	}
	return a.FreePages(toFree)
}

func (a *Allocator) nextDataPage(p *Page) (uint32, error) {
	return p.GetU32(dataNextPageOffset), nil
}

func (a *Allocator) chainDataPage(from, to uint32) error {
	p, err := a.backend.ReadPage(from)
	if err != nil {
		return err
	}
	p.PutU32(dataNextPageOffset, to)
	return a.backend.WritePage(p)
}

func (a *Allocator) chainOverflowPage(from, to uint32) error {
	p, err := a.backend.ReadPage(from)
	if err != nil {
		return err
	}
	p.PutU32(p.Size()-4, to)
	return a.backend.WritePage(p)
}

// maybeCompress applies snappy when it shrinks the payload (§domain stack:
// klauspost/compress, carried over from the teacher's record compression).
func (a *Allocator) maybeCompress(payload []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, payload)
	if len(compressed) < len(payload) {
		return compressed, slotFlagCompressed
	}
	return payload, 0
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
