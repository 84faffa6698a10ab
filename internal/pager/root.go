package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Root page — page 0
// ───────────────────────────────────────────────────────────────────────────
//
// Layout (fits in one page):
//
//  Offset  Size  Field
//  ──────  ────  ───────────────────
//  0       32    Common PageHeader (Type=Root, ID=0)
//  32      8     Magic           [8]byte "NSROOT\x00\x00"
//  40      4     FormatVersion   uint32 LE
//  48      8     MasterLSN       uint64 LE — LSN of the most recent completed CkptBegin
//  56      4     FirstTombstone  uint32 LE — head of the free-page list, 0 = empty
//  60      4     NextPageID      uint32 LE — next pgno the file pager will allocate
//  64      8     NextTxID        uint64 LE
//  72      ...   Reserved, zero-filled to end of page

const (
	RootMagic          = "NSROOT\x00\x00"
	RootFormatVersion1 = uint32(1)

	rootMagicOff     = PageHeaderSize    // 32
	rootVersionOff   = rootMagicOff + 8  // 40
	rootMasterLSNOff = rootVersionOff + 8 // 48 (8 bytes of padding to keep 8-byte alignment)
	rootTombstoneOff = rootMasterLSNOff + 8 // 56
	rootNextPageOff  = rootTombstoneOff + 4 // 60
	rootNextTxOff    = rootNextPageOff + 4  // 64
)

// RootPage holds the parsed contents of page 0.
type RootPage struct {
	FormatVersion  uint32
	MasterLSN      LSN
	FirstTombstone PageID // 0 means "empty"; pgno 0 is always the root
	// page itself and can never be tombstoned, so 0 unambiguously means
	// "free list empty" here.
	NextPageID PageID
	NextTxID   TxID
}

// NewRootPage returns a fresh, empty root page.
func NewRootPage() *RootPage {
	return &RootPage{
		FormatVersion:  RootFormatVersion1,
		FirstTombstone: InvalidPageID,
		NextPageID:     1, // page 0 is the root itself
		NextTxID:       1,
	}
}

// MarshalRootPage serializes a RootPage into a full page buffer.
func MarshalRootPage(rp *RootPage, pageSize int) []byte {
	buf := NewPage(pageSize, PageTypeRoot, RootPageID)
	copy(buf[rootMagicOff:rootMagicOff+8], RootMagic)
	binary.LittleEndian.PutUint32(buf[rootVersionOff:], rp.FormatVersion)
	binary.LittleEndian.PutUint64(buf[rootMasterLSNOff:], uint64(rp.MasterLSN))
	binary.LittleEndian.PutUint32(buf[rootTombstoneOff:], uint32(rp.FirstTombstone))
	binary.LittleEndian.PutUint32(buf[rootNextPageOff:], uint32(rp.NextPageID))
	binary.LittleEndian.PutUint64(buf[rootNextTxOff:], uint64(rp.NextTxID))
	SetPageCRC(buf)
	return buf
}

// UnmarshalRootPage parses a root page buffer.
func UnmarshalRootPage(buf []byte) (*RootPage, error) {
	h := UnmarshalHeader(buf)
	if h.Type != PageTypeRoot || h.ID != RootPageID {
		return nil, fmt.Errorf("pager: page 0 is not a root page (type=%s id=%d)", h.Type, h.ID)
	}
	if string(buf[rootMagicOff:rootMagicOff+8]) != RootMagic {
		return nil, fmt.Errorf("pager: bad root page magic")
	}
	if err := VerifyPageCRC(buf); err != nil {
		return nil, err
	}
	return &RootPage{
		FormatVersion:  binary.LittleEndian.Uint32(buf[rootVersionOff:]),
		MasterLSN:      LSN(binary.LittleEndian.Uint64(buf[rootMasterLSNOff:])),
		FirstTombstone: PageID(binary.LittleEndian.Uint32(buf[rootTombstoneOff:])),
		NextPageID:     PageID(binary.LittleEndian.Uint32(buf[rootNextPageOff:])),
		NextTxID:       TxID(binary.LittleEndian.Uint64(buf[rootNextTxOff:])),
	}, nil
}
