package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/numstore/numstore/internal/pager"
	"github.com/numstore/numstore/internal/txn"
	"github.com/numstore/numstore/internal/wal"
)

func newTestTrio(t *testing.T) (*pager.Pager, *wal.Manager, *txn.Manager) {
	t.Helper()
	dir := t.TempDir()

	w, err := wal.Open(filepath.Join(dir, "wal"), "seg", 1<<20)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	p, err := pager.Open(filepath.Join(dir, "db.ns"), pager.DefaultPageSize, 20, w)
	if err != nil {
		t.Fatalf("pager.Open: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	tm := txn.NewManager(p, w)
	return p, w, tm
}

func TestRunAdvancesMasterLSN(t *testing.T) {
	p, w, tm := newTestTrio(t)

	before := p.MasterLSN()
	lsn, err := Run(p, w, tm)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if lsn <= before {
		t.Fatalf("Run returned master LSN %d, want > %d", lsn, before)
	}
	if got := p.MasterLSN(); got != lsn {
		t.Fatalf("p.MasterLSN() = %d after Run, want %d", got, lsn)
	}
}

func TestRunFlushesDirtyFrames(t *testing.T) {
	p, w, tm := newTestTrio(t)

	f, err := p.New(pager.PageTypeRptLeaf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pgno := f.Pgno
	p.Release(f)

	tid, err := tm.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tm.Update(tid, pgno, func(buf []byte) {
		copy(buf[pager.PageHeaderSize:], []byte("on-disk-now"))
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := tm.Commit(tid); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, err := Run(p, w, tm); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dpt := p.DPTSnapshot()
	if _, dirty := dpt[pgno]; dirty {
		t.Fatalf("page %d still in DPT after checkpoint flush", pgno)
	}
}

func TestRunIsRepeatable(t *testing.T) {
	p, w, tm := newTestTrio(t)

	lsn1, err := Run(p, w, tm)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	lsn2, err := Run(p, w, tm)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if lsn2 <= lsn1 {
		t.Fatalf("second checkpoint LSN %d did not advance past first %d", lsn2, lsn1)
	}
}

func TestNewDaemonRejectsInvalidSchedule(t *testing.T) {
	p, w, tm := newTestTrio(t)
	if _, err := NewDaemon(p, w, tm, "not a cron spec"); err == nil {
		t.Fatal("expected NewDaemon to reject an invalid cron schedule")
	}
}

func TestTriggerNowRecordsStats(t *testing.T) {
	p, w, tm := newTestTrio(t)
	d, err := NewDaemon(p, w, tm, "@every 1h")
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	before := d.Stats()
	if before.TotalCheckpoints != 0 {
		t.Fatalf("TotalCheckpoints = %d before any trigger, want 0", before.TotalCheckpoints)
	}

	lsn, err := d.TriggerNow()
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}

	after := d.Stats()
	if after.TotalCheckpoints != 1 {
		t.Fatalf("TotalCheckpoints = %d after one trigger, want 1", after.TotalCheckpoints)
	}
	if after.LastMasterLSN != lsn {
		t.Fatalf("LastMasterLSN = %d, want %d", after.LastMasterLSN, lsn)
	}
	if after.LastCheckpointAt.IsZero() {
		t.Fatal("LastCheckpointAt not recorded")
	}
}

func TestStartStopIsIdempotentAndStoppable(t *testing.T) {
	p, w, tm := newTestTrio(t)
	d, err := NewDaemon(p, w, tm, "@every 1h")
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	d.Start()
	d.Start() // no-op, must not panic or double-start the cron scheduler
	d.Stop()
	d.Stop() // no-op

	// A daemon stopped before its schedule ever fires records no activity.
	if got := d.Stats().TotalCheckpoints; got != 0 {
		t.Fatalf("TotalCheckpoints = %d, want 0", got)
	}
}

func TestFailedCheckpointIsCountedSeparately(t *testing.T) {
	p, w, tm := newTestTrio(t)
	d, err := NewDaemon(p, w, tm, "@every 1h")
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}

	// Close the pager out from under the daemon so the next Run fails at
	// the frame-eviction step, exercising the FailedCheckpoints path.
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := d.TriggerNow(); err == nil {
		t.Fatal("expected TriggerNow to fail against a closed pager")
	}

	stats := d.Stats()
	if stats.FailedCheckpoints != 1 {
		t.Fatalf("FailedCheckpoints = %d, want 1", stats.FailedCheckpoints)
	}
	if stats.TotalCheckpoints != 0 {
		t.Fatalf("TotalCheckpoints = %d, want 0 on failure", stats.TotalCheckpoints)
	}
}
