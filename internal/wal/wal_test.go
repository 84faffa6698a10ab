package wal

import (
	"bytes"
	"io"
	"testing"
)

func TestAppendReadAtRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "seg", 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	before := bytes.Repeat([]byte{0xAA}, 4096)
	after := bytes.Repeat([]byte{0xBB}, 4096)
	lsn, err := m.Append(&Record{TxID: 1, Type: RecordUpdate, PageID: 7, Before: before, After: after})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := m.ReadAt(lsn)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if rec.Type != RecordUpdate || rec.PageID != 7 || rec.TxID != 1 {
		t.Fatalf("ReadAt returned %+v", rec)
	}
	if !bytes.Equal(rec.Before, before) || !bytes.Equal(rec.After, after) {
		t.Fatal("before/after image mismatch")
	}
}

func TestAppendChainsPrevLSNPerTransaction(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "seg", 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	l1, err := m.Append(&Record{TxID: 5, Type: RecordBegin})
	if err != nil {
		t.Fatalf("Append begin: %v", err)
	}
	l2, err := m.Append(&Record{TxID: 5, Type: RecordCommit})
	if err != nil {
		t.Fatalf("Append commit: %v", err)
	}
	rec, err := m.ReadAt(l2)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if rec.PrevLSN != l1 {
		t.Fatalf("PrevLSN = %d, want %d", rec.PrevLSN, l1)
	}

	// A different transaction's chain starts fresh at 0.
	l3, err := m.Append(&Record{TxID: 6, Type: RecordBegin})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec3, err := m.ReadAt(l3)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if rec3.PrevLSN != 0 {
		t.Fatalf("tx 6 PrevLSN = %d, want 0", rec3.PrevLSN)
	}
}

func TestReaderScansAllAppendedRecords(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "seg", 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var want []LSN
	for i := 0; i < 5; i++ {
		lsn, err := m.Append(&Record{TxID: TxID(i), Type: RecordBegin})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		want = append(want, lsn)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m2, err := OpenGeneration(dir, "seg", 1<<20)
	if err != nil {
		t.Fatalf("OpenGeneration: %v", err)
	}
	defer m2.Close()

	r, err := m2.NewReader()
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	var got []LSN
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, rec.LSN)
	}
	if len(got) != len(want) {
		t.Fatalf("scanned %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d LSN = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSegmentRollsAtCapacity(t *testing.T) {
	dir := t.TempDir()
	// A tiny segment size forces a roll after the very first record.
	m, err := Open(dir, "seg", 64)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	for i := 0; i < 3; i++ {
		if _, err := m.Append(&Record{TxID: TxID(i), Type: RecordBegin}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if m.curNo == 0 {
		t.Fatal("expected at least one segment roll")
	}
}

func TestOpenGenerationWithNoSegmentsStartsFresh(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenGeneration(dir, "seg", 1<<20)
	if err != nil {
		t.Fatalf("OpenGeneration on empty dir: %v", err)
	}
	defer m.Close()
	if m.NextLSN() != 1 {
		t.Fatalf("NextLSN on fresh generation = %d, want 1", m.NextLSN())
	}
}
