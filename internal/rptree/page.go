// Package rptree implements the R+ tree payload layer: the
// per-variable tree that stores one contiguous byte sequence, split into
// leaf pages tiling [0, total_size) in sibling order and addressed
// through inner pages carrying (cumulative_offset, child_pgno) routing
// entries. The on-disk page formats below follow a B+Tree page's shape
// (small fixed metadata block straight after the common PageHeader)
// rather than a variable-length slotted layout, since R+ tree nodes
// hold fixed-width routing entries and a single payload run instead of
// independently sized key/value slots.
package rptree

import (
	"encoding/binary"
	"fmt"

	"github.com/numstore/numstore/internal/pager"
)

type PageID = pager.PageID

// ───────────────────────────────────────────────────────────────────────────
// Leaf page layout
// ───────────────────────────────────────────────────────────────────────────
//
//  0        32   Common PageHeader (Type=RptLeaf)
//  32       8    TotalSize  uint64 LE — meaningful only when this page is
//                the tree's current root; otherwise unused and left stale.
//  40       4    PrevSibling PageID LE (0 = none)
//  44       4    NextSibling PageID LE (0 = none)
//  48       4    Used       uint32 LE — payload bytes currently held
//  52       ...  Payload, capacity = PageSize - 52

const (
	leafTotalSizeOff = pager.PageHeaderSize // 32
	leafPrevOff      = leafTotalSizeOff + 8 // 40
	leafNextOff      = leafPrevOff + 4      // 44
	leafUsedOff      = leafNextOff + 4      // 48
	leafDataOff      = leafUsedOff + 4      // 52
)

// LeafCapacity returns the usable payload capacity of a leaf page.
func LeafCapacity(pageSize int) int {
	return pageSize - leafDataOff
}

// LeafPage wraps a page buffer as an R+ tree leaf node.
type LeafPage struct {
	buf []byte
}

// WrapLeafPage wraps an existing leaf buffer.
func WrapLeafPage(buf []byte) (*LeafPage, error) {
	if pager.PageTypeOf(buf) != pager.PageTypeRptLeaf {
		return nil, fmt.Errorf("rptree: page is not a leaf page")
	}
	return &LeafPage{buf: buf}, nil
}

// InitLeafPage reinitializes buf in place as an empty leaf node.
func InitLeafPage(buf []byte, id PageID) *LeafPage {
	h := &pager.PageHeader{Type: pager.PageTypeRptLeaf, ID: id}
	pager.MarshalHeader(h, buf)
	binary.LittleEndian.PutUint64(buf[leafTotalSizeOff:], 0)
	binary.LittleEndian.PutUint32(buf[leafPrevOff:], uint32(pager.InvalidPageID))
	binary.LittleEndian.PutUint32(buf[leafNextOff:], uint32(pager.InvalidPageID))
	binary.LittleEndian.PutUint32(buf[leafUsedOff:], 0)
	return &LeafPage{buf: buf}
}

func (lp *LeafPage) TotalSize() int64 {
	return int64(binary.LittleEndian.Uint64(lp.buf[leafTotalSizeOff:]))
}

func (lp *LeafPage) SetTotalSize(n int64) {
	binary.LittleEndian.PutUint64(lp.buf[leafTotalSizeOff:], uint64(n))
}

func (lp *LeafPage) Prev() PageID { return PageID(binary.LittleEndian.Uint32(lp.buf[leafPrevOff:])) }
func (lp *LeafPage) Next() PageID { return PageID(binary.LittleEndian.Uint32(lp.buf[leafNextOff:])) }

func (lp *LeafPage) SetPrev(p PageID) { binary.LittleEndian.PutUint32(lp.buf[leafPrevOff:], uint32(p)) }
func (lp *LeafPage) SetNext(p PageID) { binary.LittleEndian.PutUint32(lp.buf[leafNextOff:], uint32(p)) }

func (lp *LeafPage) Used() int {
	return int(binary.LittleEndian.Uint32(lp.buf[leafUsedOff:]))
}

func (lp *LeafPage) setUsed(n int) {
	binary.LittleEndian.PutUint32(lp.buf[leafUsedOff:], uint32(n))
}

// Payload returns the used portion of the payload area.
func (lp *LeafPage) Payload() []byte {
	return lp.buf[leafDataOff : leafDataOff+lp.Used()]
}

// SetPayload overwrites the whole payload area.
func (lp *LeafPage) SetPayload(data []byte) error {
	if len(data) > LeafCapacity(len(lp.buf)) {
		return fmt.Errorf("rptree: leaf payload %d exceeds capacity %d", len(data), LeafCapacity(len(lp.buf)))
	}
	n := copy(lp.buf[leafDataOff:], data)
	for i := leafDataOff + n; i < len(lp.buf); i++ {
		lp.buf[i] = 0
	}
	lp.setUsed(len(data))
	return nil
}

// DeleteRange removes length bytes starting at local offset off.
func (lp *LeafPage) DeleteRange(off, length int) error {
	cur := lp.Payload()
	if off < 0 || length < 0 || off+length > len(cur) {
		return fmt.Errorf("rptree: leaf delete range [%d,%d) out of bounds for len %d", off, off+length, len(cur))
	}
	merged := make([]byte, 0, len(cur)-length)
	merged = append(merged, cur[:off]...)
	merged = append(merged, cur[off+length:]...)
	return lp.SetPayload(merged)
}

// Bytes returns the underlying page buffer.
func (lp *LeafPage) Bytes() []byte { return lp.buf }

// ───────────────────────────────────────────────────────────────────────────
// Inner page layout
// ───────────────────────────────────────────────────────────────────────────
//
//  0        32   Common PageHeader (Type=RptInner)
//  32       8    TotalSize  uint64 LE — meaningful only at the tree root.
//  40       4    NumEntries uint32 LE
//  44       ...  Entries, each 12 bytes:
//                  CumulativeOffset uint64 LE — relative to this page's
//                  own start; entry 0's offset is always 0.
//                  ChildPgno        uint32 LE
//
// Entry i routes [CumulativeOffset_i, CumulativeOffset_{i+1}) to
// ChildPgno_i (the last entry's upper bound is this page's own total
// span, known only by the caller descending from a level above).

const (
	innerTotalSizeOff = pager.PageHeaderSize // 32
	innerCountOff     = innerTotalSizeOff + 8 // 40
	innerEntriesOff   = innerCountOff + 4     // 44
	innerEntrySize    = 12
)

// InnerCapacity returns the maximum number of routing entries an inner
// page can hold.
func InnerCapacity(pageSize int) int {
	return (pageSize - innerEntriesOff) / innerEntrySize
}

// Entry is one inner-page routing entry.
type Entry struct {
	Offset int64
	Child  PageID
}

// InnerPage wraps a page buffer as an R+ tree inner node.
type InnerPage struct {
	buf []byte
}

// WrapInnerPage wraps an existing inner buffer.
func WrapInnerPage(buf []byte) (*InnerPage, error) {
	if pager.PageTypeOf(buf) != pager.PageTypeRptInner {
		return nil, fmt.Errorf("rptree: page is not an inner page")
	}
	return &InnerPage{buf: buf}, nil
}

// InitInnerPage reinitializes buf in place as an empty inner node.
func InitInnerPage(buf []byte, id PageID) *InnerPage {
	h := &pager.PageHeader{Type: pager.PageTypeRptInner, ID: id}
	pager.MarshalHeader(h, buf)
	binary.LittleEndian.PutUint64(buf[innerTotalSizeOff:], 0)
	binary.LittleEndian.PutUint32(buf[innerCountOff:], 0)
	return &InnerPage{buf: buf}
}

func (ip *InnerPage) TotalSize() int64 {
	return int64(binary.LittleEndian.Uint64(ip.buf[innerTotalSizeOff:]))
}

func (ip *InnerPage) SetTotalSize(n int64) {
	binary.LittleEndian.PutUint64(ip.buf[innerTotalSizeOff:], uint64(n))
}

func (ip *InnerPage) NumEntries() int {
	return int(binary.LittleEndian.Uint32(ip.buf[innerCountOff:]))
}

func (ip *InnerPage) entryOff(i int) int {
	return innerEntriesOff + i*innerEntrySize
}

// Entry returns the i'th routing entry.
func (ip *InnerPage) Entry(i int) Entry {
	o := ip.entryOff(i)
	return Entry{
		Offset: int64(binary.LittleEndian.Uint64(ip.buf[o : o+8])),
		Child:  PageID(binary.LittleEndian.Uint32(ip.buf[o+8 : o+12])),
	}
}

// Entries returns every routing entry, in order.
func (ip *InnerPage) Entries() []Entry {
	n := ip.NumEntries()
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = ip.Entry(i)
	}
	return out
}

// SetEntries overwrites the whole entry list.
func (ip *InnerPage) SetEntries(entries []Entry) error {
	if len(entries) > InnerCapacity(len(ip.buf)) {
		return fmt.Errorf("rptree: %d inner entries exceed capacity %d", len(entries), InnerCapacity(len(ip.buf)))
	}
	for i, e := range entries {
		o := ip.entryOff(i)
		binary.LittleEndian.PutUint64(ip.buf[o:o+8], uint64(e.Offset))
		binary.LittleEndian.PutUint32(ip.buf[o+8:o+12], uint32(e.Child))
	}
	binary.LittleEndian.PutUint32(ip.buf[innerCountOff:], uint32(len(entries)))
	return nil
}

// FindChild returns the index of the entry whose range contains offset
// (the largest i with Entry(i).Offset <= offset).
func (ip *InnerPage) FindChild(offset int64) int {
	n := ip.NumEntries()
	idx := 0
	for i := 1; i < n; i++ {
		if ip.Entry(i).Offset <= offset {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// Bytes returns the underlying page buffer.
func (ip *InnerPage) Bytes() []byte { return ip.buf }
