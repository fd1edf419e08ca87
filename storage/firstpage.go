package storage

import "github.com/polodb/polodb-go/dberr"

// Page 0 layout (§3 "First page"):
//   [0:2]   page type tag (PageTypeFirstPage)
//   [2:8]   magic "POLODB" (6 bytes)
//   [8:12]  version (uint32)
//   [12:16] page size (uint32)
//   [16:20] meta root page id (uint32)
//   [20:24] free list page id (uint32, 0 = none, §9 unimplemented overflow)
//   [24:28] free list inline entry count (uint32)
//   [28:28+4*HeaderFreeListMax] free list inline entries (uint32 each)
//   [...]   null page bar (uint32): next never-allocated page id
//   last 8 bytes of the used prefix: checksum (CRC-64 of everything before it)

const (
	// HeaderFreeListMax bounds the free-list entries that fit inline on
	// page 0. Exceeding it surfaces NotImplement (§4.6, §9): overflow
	// free-list pages are a known-missing feature in this revision.
	HeaderFreeListMax = 400

	firstPageMagicOffset     = 2
	firstPageVersionOffset   = 8
	firstPageSizeOffset      = 12
	firstPageMetaRootOffset  = 16
	firstPageFreeListPIDOff  = 20
	firstPageFreeListCntOff  = 24
	firstPageFreeListArrOff  = 28
	firstPageFreeListArrSize = 4 * HeaderFreeListMax
	firstPageNullBarOffset   = firstPageFreeListArrOff + firstPageFreeListArrSize
	firstPageChecksumOffset  = firstPageNullBarOffset + 4
	firstPageUsedPrefix      = firstPageChecksumOffset + 8

	firstPageVersion = 1
)

var firstPageMagic = [6]byte{'P', 'O', 'L', 'O', 'D', 'B'}

// DBInitBlockCount is the number of pages the main file grows by whenever
// null_page_bar crosses the last committed db size (§4.6).
const DBInitBlockCount = 16

// FirstPage wraps page 0's typed fields over a raw Page.
type FirstPage struct {
	page *Page
}

// NewFirstPage builds a fresh page 0 for a database of the given page size.
func NewFirstPage(pageSize int) *FirstPage {
	p := NewTyped(0, pageSize, PageTypeFirstPage)
	fp := &FirstPage{page: p}
	fp.page.Put(firstPageMagicOffset, firstPageMagic[:])
	fp.page.PutU32(firstPageVersionOffset, firstPageVersion)
	fp.page.PutU32(firstPageSizeOffset, uint32(pageSize))
	fp.page.PutU32(firstPageMetaRootOffset, 0)
	fp.page.PutU32(firstPageFreeListPIDOff, 0)
	fp.page.PutU32(firstPageFreeListCntOff, 0)
	fp.page.PutU32(firstPageNullBarOffset, 1) // page 0 itself is already allocated
	fp.writeChecksum()
	return fp
}

// LoadFirstPage wraps an existing page 0, validating magic and checksum.
func LoadFirstPage(p *Page) (*FirstPage, error) {
	fp := &FirstPage{page: p}
	magic := p.Get(firstPageMagicOffset, 6)
	for i, b := range firstPageMagic {
		if magic[i] != b {
			return nil, dberr.New(dberr.NotAValidDatabase, "bad first-page magic")
		}
	}
	want := p.GetU64(firstPageChecksumOffset)
	got := fp.computeChecksum()
	if want != got {
		return nil, dberr.New(dberr.ChecksumMismatch, "first page checksum mismatch")
	}
	// A meta root of 0 is accepted only while nothing beyond page 0 has been
	// allocated: a fresh database has no catalog tree yet.
	if fp.MetaRootPID() == 0 && fp.NullPageBar() > 1 {
		return nil, dberr.New(dberr.MetaPageIdError, "meta root points at page 0")
	}
	return fp, nil
}

func (fp *FirstPage) Page() *Page { return fp.page }

func (fp *FirstPage) Version() uint32  { return fp.page.GetU32(firstPageVersionOffset) }
func (fp *FirstPage) PageSize() uint32 { return fp.page.GetU32(firstPageSizeOffset) }

func (fp *FirstPage) MetaRootPID() uint32 { return fp.page.GetU32(firstPageMetaRootOffset) }
func (fp *FirstPage) SetMetaRootPID(pid uint32) {
	fp.page.PutU32(firstPageMetaRootOffset, pid)
}

func (fp *FirstPage) FreeListPagePID() uint32 { return fp.page.GetU32(firstPageFreeListPIDOff) }
func (fp *FirstPage) SetFreeListPagePID(pid uint32) {
	fp.page.PutU32(firstPageFreeListPIDOff, pid)
}

func (fp *FirstPage) FreeListSize() uint32 { return fp.page.GetU32(firstPageFreeListCntOff) }

func (fp *FirstPage) NullPageBar() uint32 { return fp.page.GetU32(firstPageNullBarOffset) }
func (fp *FirstPage) SetNullPageBar(pid uint32) {
	fp.page.PutU32(firstPageNullBarOffset, pid)
}

// PushFree appends a freed page id to the inline free list. NotImplement
// once HeaderFreeListMax is reached (§4.6, §9).
func (fp *FirstPage) PushFree(pid uint32) error {
	n := fp.FreeListSize()
	if int(n) >= HeaderFreeListMax {
		return dberr.New(dberr.NotImplement, "free-list overflow page not implemented")
	}
	fp.page.PutU32(firstPageFreeListArrOff+int(n)*4, pid)
	fp.page.PutU32(firstPageFreeListCntOff, n+1)
	return nil
}

// PopFree removes and returns the last entry of the inline free list.
func (fp *FirstPage) PopFree() (uint32, bool) {
	n := fp.FreeListSize()
	if n == 0 {
		return 0, false
	}
	pid := fp.page.GetU32(firstPageFreeListArrOff + int(n-1)*4)
	fp.page.PutU32(firstPageFreeListCntOff, n-1)
	return pid, true
}

// Seal recomputes and writes the checksum; call before handing the page to
// the write pipeline.
func (fp *FirstPage) Seal() { fp.writeChecksum() }

func (fp *FirstPage) writeChecksum() {
	fp.page.PutU64(firstPageChecksumOffset, fp.computeChecksum())
}

func (fp *FirstPage) computeChecksum() uint64 {
	return crc64Of(fp.page.Get(0, firstPageChecksumOffset))
}
