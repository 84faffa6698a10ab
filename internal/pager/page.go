// Package pager implements the paged storage substrate of the numstore
// core: a file pager mapping page numbers to file offsets, a clock-based
// buffer pool with X/S page-frame shadowing, the common page header, and
// the root and tombstone page formats (the R+ tree inner/leaf formats
// live in package rptree).
//
// The storage format consists of a main database file with fixed-size
// pages (default 4 KiB) and a separate write-ahead log (see package wal).
// Page 0 is always the root page; every other page is typed and carries
// a common header with type, page-LSN, and CRC32 checksum.
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is the default page size new databases are created with.
	DefaultPageSize = 4096

	// MinPageSize is the smallest page size the format allows.
	MinPageSize = 4096

	// MaxPageSize is the largest page size the format allows.
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0:8]   PageLSN    (8 bytes, uint64 LE) — LSN of the last redo applied
	//   [8]     PageType   (1 byte)
	//   [9:16]  Reserved   (7 bytes, alignment/padding)
	//   [16:20] CRC32      (4 bytes, uint32 LE, CRC field itself zeroed)
	//   [20:24] PageID     (4 bytes, uint32 LE — low 32 bits of pgno)
	//   [24:32] Reserved   (8 bytes)
	PageHeaderSize = 32

	// InvalidPageID is the null page pointer (0 = the root page, so a
	// pointer field holding 0 unambiguously means "no page" everywhere
	// except the root page's own identity).
	InvalidPageID PageID = 0

	// RootPageID is the fixed page number of the root page.
	RootPageID PageID = 0
)

// ───────────────────────────────────────────────────────────────────────────
// Page types
// ───────────────────────────────────────────────────────────────────────────

// PageType identifies the kind of data stored in a page.
type PageType uint8

const (
	PageTypeRoot      PageType = 0x01
	PageTypeTombstone PageType = 0x02
	PageTypeRptInner  PageType = 0x05
	PageTypeRptLeaf   PageType = 0x06
)

// String returns a human-readable label for the page type.
func (pt PageType) String() string {
	switch pt {
	case PageTypeRoot:
		return "Root"
	case PageTypeTombstone:
		return "Tombstone"
	case PageTypeRptInner:
		return "RptInner"
	case PageTypeRptLeaf:
		return "RptLeaf"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Core types
// ───────────────────────────────────────────────────────────────────────────

// PageID (pgno) addresses a page within the database file. It is 32 bits
// wide and is written as 4 bytes wherever it is serialized (page headers,
// the root and tombstone pages, WAL records); there is no 64-bit or
// file_type form of it.
type PageID uint32

// LSN is a monotonically increasing Log Sequence Number.
type LSN uint64

// TxID is a transaction identifier.
type TxID uint64

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the PageHeaderSize-byte header present at the start of
// every page.
type PageHeader struct {
	LSN  LSN      // LSN of the last WAL record whose redo was applied
	Type PageType
	ID   PageID
	CRC  uint32
}

// MarshalHeader writes a PageHeader into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("buffer too small for PageHeader")
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.LSN))
	buf[8] = byte(h.Type)
	for i := 9; i < 16; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[16:20], h.CRC)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.ID))
	for i := 24; i < 32; i++ {
		buf[i] = 0
	}
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[0:8]))
	h.Type = PageType(buf[8])
	h.CRC = binary.LittleEndian.Uint32(buf[16:20])
	h.ID = PageID(binary.LittleEndian.Uint32(buf[20:24]))
	return h
}

// PageLSN returns the page-LSN stored in a page buffer without a full unmarshal.
func PageLSN(buf []byte) LSN {
	return LSN(binary.LittleEndian.Uint64(buf[0:8]))
}

// SetPageLSN overwrites just the page-LSN field, used by redo/save paths
// that already hold the rest of the header fixed.
func SetPageLSN(buf []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(lsn))
}

// PageTypeOf returns the page type stored in a page buffer.
func PageTypeOf(buf []byte) PageType {
	return PageType(buf[8])
}

// ───────────────────────────────────────────────────────────────────────────
// CRC helpers
// ───────────────────────────────────────────────────────────────────────────

// crcTable is the CRC32 (Castagnoli) table used throughout.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputePageCRC computes the CRC32-C of a full page, treating the CRC
// field (bytes 16..20) as zero during computation.
func ComputePageCRC(page []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(page[:16])          // header up to CRC field
	h.Write([]byte{0, 0, 0, 0}) // zeroed CRC placeholder
	h.Write(page[20:])          // rest of page
	return h.Sum32()
}

// SetPageCRC computes and writes the CRC into the page header.
func SetPageCRC(page []byte) {
	c := ComputePageCRC(page)
	binary.LittleEndian.PutUint32(page[16:20], c)
}

// VerifyPageCRC checks the CRC32 checksum of a page.
func VerifyPageCRC(page []byte) error {
	stored := binary.LittleEndian.Uint32(page[16:20])
	computed := ComputePageCRC(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint32(page[20:24]))
		return fmt.Errorf("pager: CRC mismatch on page %d: stored=%08x computed=%08x", pid, stored, computed)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Page helper
// ───────────────────────────────────────────────────────────────────────────

// NewPage allocates a zeroed page buffer at the given size and writes its header.
func NewPage(pageSize int, pt PageType, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	SetPageCRC(buf)
	return buf
}
