// Package checkpoint implements pgr_checkpoint and a
// cron-driven daemon that fires it on a schedule (github.com/robfig/
// cron/v3), blended with a small stats struct for operator visibility.
package checkpoint

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/numstore/numstore/internal/locktable"
	"github.com/numstore/numstore/internal/pager"
	"github.com/numstore/numstore/internal/txn"
	"github.com/numstore/numstore/internal/wal"
)

// Run performs one checkpoint:
//  1. Append CkptBegin, the candidate master LSN.
//  2. Flush every dirty frame, pinned or not, per the WAL rule; frames
//     stay cached and nothing is evicted.
//  3. Append CkptEnd, serializing the live ATT and DPT.
//  4. Force the WAL up to CkptEnd.
//  5. Under a dedicated X lock on ROOT, persist master_lsn and force the
//     root page to disk.
//
// It returns the master LSN this checkpoint recorded.
func Run(p *pager.Pager, w *wal.Manager, t *txn.Manager) (pager.LSN, error) {
	beginLSN, err := w.Append(&wal.Record{Type: wal.RecordCkptBegin})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: append CkptBegin: %w", err)
	}

	if err := p.Checkpoint(); err != nil {
		return 0, fmt.Errorf("checkpoint: evict dirty frames: %w", err)
	}

	att := t.Snapshot()
	attEntries := make([]wal.AttEntry, len(att))
	for i, e := range att {
		attEntries[i] = wal.AttEntry{TxID: e.TxID, LastLSN: e.LastLSN}
	}
	dpt := p.DPTSnapshot()
	dptEntries := make([]wal.DptEntry, 0, len(dpt))
	for pgno, lsn := range dpt {
		dptEntries = append(dptEntries, wal.DptEntry{PageID: pgno, RecoveryLSN: lsn})
	}

	endLSN, err := w.Append(&wal.Record{Type: wal.RecordCkptEnd, ATT: attEntries, DPT: dptEntries})
	if err != nil {
		return 0, fmt.Errorf("checkpoint: append CkptEnd: %w", err)
	}
	if err := w.FlushTo(endLSN); err != nil {
		return 0, fmt.Errorf("checkpoint: flush WAL to CkptEnd: %w", err)
	}

	// Step 5 is a lock-only mini-transaction: it mutates pager metadata
	// (root.master_lsn), not a page a WAL Update record would describe,
	// so it only needs the X lock's mutual exclusion, not a logged
	// Begin/Commit of its own.
	tid := p.AllocTxID()
	locks := t.Locks()
	if err := locks.Lock(tid, locktable.ResourceRoot, pager.RootPageID, locktable.ModeX); err != nil {
		return 0, fmt.Errorf("checkpoint: lock root: %w", err)
	}
	defer locks.ReleaseAll(tid)

	p.SetMasterLSN(beginLSN)
	if err := p.Checkpoint(); err != nil {
		return 0, fmt.Errorf("checkpoint: persist root: %w", err)
	}

	return beginLSN, nil
}

// Stats tracks checkpoint daemon activity.
type Stats struct {
	TotalCheckpoints  int64
	FailedCheckpoints int64
	LastMasterLSN     pager.LSN
	LastCheckpointAt  time.Time
	LastDuration      time.Duration
}

// Daemon fires Run on a cron schedule, independent of any caller-driven
// checkpoint requests.
type Daemon struct {
	pager *pager.Pager
	wal   *wal.Manager
	txn   *txn.Manager

	cron *cron.Cron

	running atomic.Bool
	mu      sync.Mutex
	stats   Stats
}

// NewDaemon wires a checkpoint daemon to fire on spec, a standard
// five-field cron expression (robfig/cron also accepts "@every 5m" and
// the other predefined descriptors).
func NewDaemon(p *pager.Pager, w *wal.Manager, t *txn.Manager, spec string) (*Daemon, error) {
	d := &Daemon{pager: p, wal: w, txn: t, cron: cron.New()}
	if _, err := d.cron.AddFunc(spec, d.fire); err != nil {
		return nil, fmt.Errorf("checkpoint: invalid schedule %q: %w", spec, err)
	}
	return d, nil
}

// Start begins firing checkpoints on the configured schedule. Calling
// Start on an already-running daemon is a no-op.
func (d *Daemon) Start() {
	if d.running.CompareAndSwap(false, true) {
		d.cron.Start()
	}
}

// Stop halts the schedule and waits for any in-flight checkpoint to
// finish. Calling Stop on an already-stopped daemon is a no-op.
func (d *Daemon) Stop() {
	if d.running.CompareAndSwap(true, false) {
		ctx := d.cron.Stop()
		<-ctx.Done()
	}
}

// TriggerNow runs a checkpoint immediately, outside the schedule —
// used by an explicit operator request or on a clean shutdown path.
func (d *Daemon) TriggerNow() (pager.LSN, error) {
	start := time.Now()
	lsn, err := Run(d.pager, d.wal, d.txn)
	d.record(start, lsn, err)
	return lsn, err
}

func (d *Daemon) fire() {
	start := time.Now()
	lsn, err := Run(d.pager, d.wal, d.txn)
	d.record(start, lsn, err)
}

func (d *Daemon) record(start time.Time, lsn pager.LSN, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.stats.FailedCheckpoints++
		return
	}
	d.stats.TotalCheckpoints++
	d.stats.LastMasterLSN = lsn
	d.stats.LastCheckpointAt = start
	d.stats.LastDuration = time.Since(start)
}

// Stats returns a snapshot of daemon activity.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
