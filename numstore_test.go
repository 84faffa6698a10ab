package numstore_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/numstore/numstore"
)

func TestOpenCloseFreshDatabase(t *testing.T) {
	dir := t.TempDir()
	eng, err := numstore.Open(filepath.Join(dir, "db.ns"), filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRptInsertCommitReopenRead(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.ns")
	walDir := filepath.Join(dir, "wal")

	eng, err := numstore.Open(dbPath, walDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tid, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	root, err := eng.RptNew(tid)
	if err != nil {
		t.Fatalf("RptNew: %v", err)
	}
	data := []byte("hello, numstore")
	if _, err := eng.RptInsert(tid, root, data, 0, 1, len(data)); err != nil {
		t.Fatalf("RptInsert: %v", err)
	}
	if err := eng.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen: recovery should be a no-op after a clean shutdown, and the
	// data must still be there.
	eng2, err := numstore.Open(dbPath, walDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer eng2.Close()

	size, err := eng2.RptSize(root)
	if err != nil {
		t.Fatalf("RptSize: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("RptSize = %d, want %d", size, len(data))
	}

	dest := make([]byte, len(data))
	n, err := eng2.RptRead(root, dest, 1, numstore.Stride{Start: 0, Step: 1, Nelems: int64(len(data))})
	if err != nil {
		t.Fatalf("RptRead: %v", err)
	}
	if n != len(data) {
		t.Fatalf("RptRead returned %d bytes, want %d", n, len(data))
	}
	if !bytes.Equal(dest, data) {
		t.Fatalf("RptRead = %q, want %q", dest, data)
	}
}

func TestRollbackUndoesUncommittedInsert(t *testing.T) {
	dir := t.TempDir()
	eng, err := numstore.Open(filepath.Join(dir, "db.ns"), filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	tid, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	root, err := eng.RptNew(tid)
	if err != nil {
		t.Fatalf("RptNew: %v", err)
	}
	if _, err := eng.RptInsert(tid, root, []byte("temporary"), 0, 1, 9); err != nil {
		t.Fatalf("RptInsert: %v", err)
	}
	if err := eng.Rollback(tid, 0); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tid2, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin after rollback: %v", err)
	}
	size, err := eng.RptSize(root)
	if err != nil {
		t.Fatalf("RptSize: %v", err)
	}
	if size != 0 {
		t.Fatalf("RptSize after rollback = %d, want 0", size)
	}
	if err := eng.Commit(tid2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestRptWriteRemoveDelete(t *testing.T) {
	dir := t.TempDir()
	eng, err := numstore.Open(filepath.Join(dir, "db.ns"), filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	tid, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	root, err := eng.RptNew(tid)
	if err != nil {
		t.Fatalf("RptNew: %v", err)
	}
	if _, err := eng.RptInsert(tid, root, []byte("0123456789"), 0, 1, 10); err != nil {
		t.Fatalf("RptInsert: %v", err)
	}
	if err := eng.RptWrite(tid, root, []byte("X"), 1, numstore.Stride{Start: 5, Step: 1, Nelems: 1}); err != nil {
		t.Fatalf("RptWrite: %v", err)
	}

	gathered := make([]byte, 3)
	removed, err := eng.RptRemove(tid, root, gathered, 1, numstore.Stride{Start: 2, Step: 1, Nelems: 3})
	if err != nil {
		t.Fatalf("RptRemove: %v", err)
	}
	if removed != 3 {
		t.Fatalf("RptRemove returned %d, want 3", removed)
	}
	if string(gathered) != "234" {
		t.Fatalf("gathered = %q, want %q", gathered, "234")
	}

	if err := eng.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tid2, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := eng.RptDelete(tid2, root); err != nil {
		t.Fatalf("RptDelete: %v", err)
	}
	if err := eng.Commit(tid2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestCheckpointIsTransparent(t *testing.T) {
	dir := t.TempDir()
	eng, err := numstore.Open(filepath.Join(dir, "db.ns"), filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close()

	tid, err := eng.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	root, err := eng.RptNew(tid)
	if err != nil {
		t.Fatalf("RptNew: %v", err)
	}
	if _, err := eng.RptInsert(tid, root, []byte("durable"), 0, 1, 7); err != nil {
		t.Fatalf("RptInsert: %v", err)
	}
	if err := eng.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := eng.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	dest := make([]byte, 7)
	if _, err := eng.RptRead(root, dest, 1, numstore.Stride{Start: 0, Step: 1, Nelems: 7}); err != nil {
		t.Fatalf("RptRead after checkpoint: %v", err)
	}
	if string(dest) != "durable" {
		t.Fatalf("RptRead after checkpoint = %q, want %q", dest, "durable")
	}

	stats := eng.CheckpointStats()
	if stats.TotalCheckpoints < 1 {
		t.Fatalf("CheckpointStats.TotalCheckpoints = %d, want >= 1", stats.TotalCheckpoints)
	}
}
