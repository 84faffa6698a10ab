package pager

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestPageHeaderCRCRoundTrip(t *testing.T) {
	buf := NewPage(DefaultPageSize, PageTypeRptLeaf, 7)
	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("VerifyPageCRC: %v", err)
	}
	if PageTypeOf(buf) != PageTypeRptLeaf {
		t.Fatalf("PageTypeOf = %v, want RptLeaf", PageTypeOf(buf))
	}

	SetPageLSN(buf, 42)
	if PageLSN(buf) != 42 {
		t.Fatalf("PageLSN = %d, want 42", PageLSN(buf))
	}
	// Stamping the LSN does not itself update the CRC; a stale CRC must
	// be detected.
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC mismatch after changing LSN without recomputing CRC")
	}
	SetPageCRC(buf)
	if err := VerifyPageCRC(buf); err != nil {
		t.Fatalf("VerifyPageCRC after SetPageCRC: %v", err)
	}

	// Corrupting a data byte must be caught too.
	buf[len(buf)-1] ^= 0xff
	if err := VerifyPageCRC(buf); err == nil {
		t.Fatal("expected CRC mismatch after corrupting page body")
	}
}

func TestOpenCreatesRootPage(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "db.ns"), DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if p.PageSize() != DefaultPageSize {
		t.Fatalf("PageSize() = %d, want %d", p.PageSize(), DefaultPageSize)
	}
	if p.MasterLSN() != 0 {
		t.Fatalf("fresh MasterLSN = %d, want 0", p.MasterLSN())
	}
}

func TestGetMakeWritableSaveRelease(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "db.ns"), DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	f, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pgno := f.Pgno
	p.Release(f)

	f, err = p.Get(pgno)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	f = p.MakeWritable(f)
	copy(f.XBuf[PageHeaderSize:], []byte("hello"))
	if err := p.Save(f, 99); err != nil {
		t.Fatalf("Save: %v", err)
	}
	p.Release(f)

	f, err = p.Get(pgno)
	if err != nil {
		t.Fatalf("re-Get: %v", err)
	}
	if PageLSN(f.Buf) != 99 {
		t.Fatalf("PageLSN after save = %d, want 99", PageLSN(f.Buf))
	}
	if !bytes.Equal(f.Buf[PageHeaderSize:PageHeaderSize+5], []byte("hello")) {
		t.Fatalf("saved content mismatch: %q", f.Buf[PageHeaderSize:PageHeaderSize+5])
	}
	p.Release(f)
}

func TestSaveWithoutMakeWritableFails(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "db.ns"), DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	f, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.Flags &^= FlagX
	f.XBuf = nil
	if err := p.Save(f, 1); err == nil {
		t.Fatal("expected Save to fail without a writable shadow")
	}
	p.Release(f)
}

func TestTombstoneReuseIsLIFO(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "db.ns"), DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	f1, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New 1: %v", err)
	}
	f2, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New 2: %v", err)
	}
	p1, p2 := f1.Pgno, f2.Pgno

	if err := p.DeleteAndRelease(f1); err != nil {
		t.Fatalf("DeleteAndRelease 1: %v", err)
	}
	if err := p.DeleteAndRelease(f2); err != nil {
		t.Fatalf("DeleteAndRelease 2: %v", err)
	}

	// LIFO: the most recently freed page (p2) must be reused first.
	f3, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New 3: %v", err)
	}
	if f3.Pgno != p2 {
		t.Fatalf("first reuse = page %d, want most-recently-freed page %d", f3.Pgno, p2)
	}
	p.Release(f3)

	f4, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New 4: %v", err)
	}
	if f4.Pgno != p1 {
		t.Fatalf("second reuse = page %d, want %d", f4.Pgno, p1)
	}
	p.Release(f4)
}

func TestCheckpointAndReopenPersistsMasterLSN(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.ns")

	p, err := Open(dbPath, DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f, err := p.New(PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f = p.MakeWritable(f)
	copy(f.XBuf[PageHeaderSize:], []byte("durable"))
	if err := p.Save(f, 5); err != nil {
		t.Fatalf("Save: %v", err)
	}
	pgno := f.Pgno
	p.Release(f)

	p.SetMasterLSN(123)
	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(dbPath, DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	if p2.MasterLSN() != 123 {
		t.Fatalf("MasterLSN after reopen = %d, want 123", p2.MasterLSN())
	}
	f2, err := p2.Get(pgno)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if !bytes.Equal(f2.Buf[PageHeaderSize:PageHeaderSize+7], []byte("durable")) {
		t.Fatalf("content after reopen = %q, want %q", f2.Buf[PageHeaderSize:PageHeaderSize+7], "durable")
	}
	p2.Release(f2)
}

func TestAllocTxIDMonotonic(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "db.ns"), DefaultPageSize, 10, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	a := p.AllocTxID()
	b := p.AllocTxID()
	if b <= a {
		t.Fatalf("AllocTxID not monotonic: %d then %d", a, b)
	}

	p.AdvanceNextTxID(b + 10)
	c := p.AllocTxID()
	if c <= b+10 {
		t.Fatalf("AllocTxID after AdvanceNextTxID = %d, want > %d", c, b+10)
	}
}
