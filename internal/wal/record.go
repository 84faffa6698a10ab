// Package wal implements the ARIES-style write-ahead log: Begin, Update
// (full before/after page images), CLR (compensation log records written
// during undo), Commit, End, and checkpoint begin/end records, appended
// to a sequence of fixed-size segment files.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/numstore/numstore/internal/pager"
)

type LSN = pager.LSN
type PageID = pager.PageID
type TxID = pager.TxID

// RecordType identifies the kind of WAL record.
type RecordType uint8

const (
	RecordBegin     RecordType = 0x01
	RecordUpdate    RecordType = 0x02
	RecordCLR       RecordType = 0x03
	RecordCommit    RecordType = 0x04
	RecordEnd       RecordType = 0x05
	RecordCkptBegin RecordType = 0x06
	RecordCkptEnd   RecordType = 0x07
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordUpdate:
		return "UPDATE"
	case RecordCLR:
		return "CLR"
	case RecordCommit:
		return "COMMIT"
	case RecordEnd:
		return "END"
	case RecordCkptBegin:
		return "CKPT_BEGIN"
	case RecordCkptEnd:
		return "CKPT_END"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// AttEntry and DptEntry mirror the active transaction table and dirty
// page table snapshots embedded in a CkptEnd record.
type AttEntry struct {
	TxID   TxID
	LastLSN LSN
}

type DptEntry struct {
	PageID      PageID
	RecoveryLSN LSN
}

// Record is the in-memory representation of one WAL entry. Only the
// fields relevant to Type are populated; the field comments below say
// which record types use them.
type Record struct {
	LSN     LSN
	PrevLSN LSN // previous record written by the same transaction, 0 if none
	TxID    TxID
	Type    RecordType

	// RecordUpdate / RecordCLR: full PAGE_SIZE before/after images of
	// PageID.
	PageID PageID
	Before []byte
	After  []byte

	// RecordCLR only: the LSN undo should resume from after this
	// compensation is applied (the UndoNextLSN of ARIES).
	UndoNextLSN LSN

	// RecordCkptEnd only.
	ATT []AttEntry
	DPT []DptEntry
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// fixed header: LSN(8) PrevLSN(8) TxID(8) Type(1) BodyLen(4) CRC(4) = 33
const recHdrSize = 33

func marshal(r *Record) []byte {
	body := marshalBody(r)
	buf := make([]byte, recHdrSize+len(body))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.LSN))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.PrevLSN))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.TxID))
	buf[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(body)))
	copy(buf[recHdrSize:], body)

	h := crc32.New(crcTable)
	h.Write(buf[:29])
	h.Write(buf[recHdrSize:])
	binary.LittleEndian.PutUint32(buf[29:33], h.Sum32())
	return buf
}

func marshalBody(r *Record) []byte {
	switch r.Type {
	case RecordUpdate:
		buf := make([]byte, 4+4+len(r.Before)+4+len(r.After))
		binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.Before)))
		n := 8
		n += copy(buf[n:], r.Before)
		binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(r.After)))
		n += 4
		copy(buf[n:], r.After)
		return buf
	case RecordCLR:
		buf := make([]byte, 4+4+len(r.After)+8)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.After)))
		n := 8
		n += copy(buf[n:], r.After)
		binary.LittleEndian.PutUint64(buf[n:n+8], uint64(r.UndoNextLSN))
		return buf
	case RecordCkptEnd:
		size := 4 + len(r.ATT)*16 + 4 + len(r.DPT)*12
		buf := make([]byte, size)
		binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.ATT)))
		n := 4
		for _, e := range r.ATT {
			binary.LittleEndian.PutUint64(buf[n:n+8], uint64(e.TxID))
			binary.LittleEndian.PutUint64(buf[n+8:n+16], uint64(e.LastLSN))
			n += 16
		}
		binary.LittleEndian.PutUint32(buf[n:n+4], uint32(len(r.DPT)))
		n += 4
		for _, e := range r.DPT {
			binary.LittleEndian.PutUint32(buf[n:n+4], uint32(e.PageID))
			binary.LittleEndian.PutUint64(buf[n+4:n+12], uint64(e.RecoveryLSN))
			n += 12
		}
		return buf
	default: // Begin, Commit, End, CkptBegin carry no body
		return nil
	}
}

func unmarshalBody(t RecordType, body []byte) (Record, error) {
	var r Record
	r.Type = t
	switch t {
	case RecordUpdate:
		if len(body) < 8 {
			return r, fmt.Errorf("wal: truncated UPDATE body")
		}
		r.PageID = PageID(binary.LittleEndian.Uint32(body[0:4]))
		beforeLen := int(binary.LittleEndian.Uint32(body[4:8]))
		n := 8
		if len(body) < n+beforeLen+4 {
			return r, fmt.Errorf("wal: truncated UPDATE before-image")
		}
		r.Before = append([]byte(nil), body[n:n+beforeLen]...)
		n += beforeLen
		afterLen := int(binary.LittleEndian.Uint32(body[n : n+4]))
		n += 4
		if len(body) < n+afterLen {
			return r, fmt.Errorf("wal: truncated UPDATE after-image")
		}
		r.After = append([]byte(nil), body[n:n+afterLen]...)
		return r, nil
	case RecordCLR:
		if len(body) < 8 {
			return r, fmt.Errorf("wal: truncated CLR body")
		}
		r.PageID = PageID(binary.LittleEndian.Uint32(body[0:4]))
		afterLen := int(binary.LittleEndian.Uint32(body[4:8]))
		n := 8
		if len(body) < n+afterLen+8 {
			return r, fmt.Errorf("wal: truncated CLR after-image")
		}
		r.After = append([]byte(nil), body[n:n+afterLen]...)
		n += afterLen
		r.UndoNextLSN = LSN(binary.LittleEndian.Uint64(body[n : n+8]))
		return r, nil
	case RecordCkptEnd:
		if len(body) < 4 {
			return r, fmt.Errorf("wal: truncated CKPT_END body")
		}
		nAtt := int(binary.LittleEndian.Uint32(body[0:4]))
		n := 4
		for i := 0; i < nAtt; i++ {
			if len(body) < n+16 {
				return r, fmt.Errorf("wal: truncated CKPT_END ATT")
			}
			r.ATT = append(r.ATT, AttEntry{
				TxID:    TxID(binary.LittleEndian.Uint64(body[n : n+8])),
				LastLSN: LSN(binary.LittleEndian.Uint64(body[n+8 : n+16])),
			})
			n += 16
		}
		if len(body) < n+4 {
			return r, fmt.Errorf("wal: truncated CKPT_END DPT count")
		}
		nDpt := int(binary.LittleEndian.Uint32(body[n : n+4]))
		n += 4
		for i := 0; i < nDpt; i++ {
			if len(body) < n+12 {
				return r, fmt.Errorf("wal: truncated CKPT_END DPT")
			}
			r.DPT = append(r.DPT, DptEntry{
				PageID:      PageID(binary.LittleEndian.Uint32(body[n : n+4])),
				RecoveryLSN: LSN(binary.LittleEndian.Uint64(body[n+4 : n+12])),
			})
			n += 12
		}
		return r, nil
	default:
		return r, nil
	}
}

// readRecord reads one record from r, or io.EOF if the stream ends
// cleanly between records. A torn/partial trailing record (the expected
// shape of an unclean crash) reports io.ErrUnexpectedEOF so callers can
// stop scanning without treating it as fatal corruption.
func readRecord(r io.Reader) (*Record, error) {
	var hdr [recHdrSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	bodyLen := binary.LittleEndian.Uint32(hdr[25:29])
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
	}
	storedCRC := binary.LittleEndian.Uint32(hdr[29:33])
	h := crc32.New(crcTable)
	h.Write(hdr[:29])
	h.Write(body)
	if h.Sum32() != storedCRC {
		return nil, io.ErrUnexpectedEOF
	}

	rec, err := unmarshalBody(RecordType(hdr[24]), body)
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	rec.LSN = LSN(binary.LittleEndian.Uint64(hdr[0:8]))
	rec.PrevLSN = LSN(binary.LittleEndian.Uint64(hdr[8:16]))
	rec.TxID = TxID(binary.LittleEndian.Uint64(hdr[16:24]))
	return &rec, nil
}
