// Package recovery implements the ARIES restart pipeline:
// analysis rebuilds the active transaction table and dirty page table
// from the log, redo replays every update the log proves might not have
// reached disk, and undo rolls back every transaction that was still
// running at crash time. It adapts the classic pgr_restart/analysis/
// redo/undo split from byte-range physiological logging to this
// engine's full-page before/after images, and is built on package txn's
// ATT (Restore/Snapshot/MarkCandidateForUndo/Finish/Get exist
// specifically to let recovery drive it directly instead of keeping a
// second, parallel ATT).
package recovery

import (
	"fmt"
	"io"

	"github.com/numstore/numstore/internal/pager"
	"github.com/numstore/numstore/internal/txn"
	"github.com/numstore/numstore/internal/wal"
)

type LSN = pager.LSN
type PageID = pager.PageID
type TxID = pager.TxID

// Manager runs restart recovery against an already-open pager, WAL, and
// transaction manager, before the engine accepts new transactions.
type Manager struct {
	pager *pager.Pager
	wal   *wal.Manager
	txn   *txn.Manager

	dpt map[PageID]LSN

	// records caches every record seen during the analysis scan, keyed by
	// LSN. Undo needs random access back into the log by LSN, but
	// wal.Manager.ReadAt only resolves LSNs appended through the current
	// process (its index doesn't survive a restart) — exactly the
	// situation recovery runs in. Since analysis already performs one
	// full sequential scan, caching every record it reads here is cheaper
	// than a second scan and sidesteps ReadAt entirely.
	records map[LSN]*wal.Record

	maxLSN  LSN
	maxTxID TxID
}

// NewManager wires a recovery pipeline over a freshly opened pager, WAL,
// and transaction manager.
func NewManager(p *pager.Pager, w *wal.Manager, t *txn.Manager) *Manager {
	return &Manager{pager: p, wal: w, txn: t}
}

// Run performs analysis, redo, and undo in sequence and leaves the engine
// ready to accept new transactions: the WAL's next LSN and the pager's
// next-tid counter are advanced past everything observed in the log, and
// every transaction recovery decided still needed rolling back has
// already been rolled back.
func (m *Manager) Run() error {
	m.dpt = make(map[PageID]LSN)
	m.records = make(map[LSN]*wal.Record)

	if err := m.analysis(); err != nil {
		return fmt.Errorf("recovery: analysis: %w", err)
	}

	m.wal.SetNextLSN(m.maxLSN + 1)
	m.pager.AdvanceNextTxID(m.maxTxID)

	redoLSN := m.minDirtyRecLSN()
	if err := m.redo(redoLSN); err != nil {
		return fmt.Errorf("recovery: redo: %w", err)
	}

	if err := m.undo(); err != nil {
		return fmt.Errorf("recovery: undo: %w", err)
	}

	return nil
}

// upsert records that tid was last seen at lastLSN with the given
// undo-next pointer, creating a fresh (running) ATT entry through it
// if tid hasn't been seen before this scan.
func (m *Manager) upsert(tid TxID, lastLSN, undoNextLSN LSN) {
	e, ok := m.txn.Get(tid)
	if !ok {
		e = txn.Entry{TxID: tid, State: txn.StateRunning}
	}
	e.LastLSN = lastLSN
	e.UndoNextLSN = undoNextLSN
	m.txn.Restore(e)
}

// analysis scans the log once from its physical start, rebuilding the
// ATT (via package txn) and DPT. Unlike the source, which seeks to the
// checkpoint's master LSN via a random-access read_entry, this always
// scans the whole log: there is no log archival/truncation here for a
// checkpoint to let the scan skip past, and replaying the
// already-resolved records before a checkpoint is harmless (Commit/End
// just remove the same entries the CkptEnd snapshot would have omitted,
// and DPT/ATT merges at CkptEnd are idempotent with inserts already made
// from the records preceding it).
func (m *Manager) analysis() error {
	r, err := m.wal.NewReader()
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		m.records[rec.LSN] = rec
		if rec.LSN > m.maxLSN {
			m.maxLSN = rec.LSN
		}
		if rec.TxID > m.maxTxID {
			m.maxTxID = rec.TxID
		}

		if rec.Type != wal.RecordCkptBegin && rec.Type != wal.RecordCkptEnd {
			m.upsert(rec.TxID, rec.LSN, rec.PrevLSN)
		}

		switch rec.Type {
		case wal.RecordUpdate:
			m.upsert(rec.TxID, rec.LSN, rec.LSN)
			if _, ok := m.dpt[rec.PageID]; !ok {
				m.dpt[rec.PageID] = rec.LSN
			}

		case wal.RecordCLR:
			m.upsert(rec.TxID, rec.LSN, rec.UndoNextLSN)

		case wal.RecordCommit:
			e, _ := m.txn.Get(rec.TxID)
			e.State = txn.StateCommitted
			m.txn.Restore(e)

		case wal.RecordEnd:
			m.txn.Finish(rec.TxID)

		case wal.RecordCkptBegin:
			// No-op: see the scan-from-the-start rationale above.

		case wal.RecordCkptEnd:
			for _, ae := range rec.ATT {
				if e, ok := m.txn.Get(ae.TxID); ok {
					if ae.LastLSN > e.LastLSN {
						e.LastLSN = ae.LastLSN
						m.txn.Restore(e)
					}
				} else {
					m.txn.Restore(txn.Entry{TxID: ae.TxID, State: txn.StateRunning, LastLSN: ae.LastLSN, UndoNextLSN: ae.LastLSN})
				}
			}
			for _, de := range rec.DPT {
				if _, ok := m.dpt[de.PageID]; !ok {
					m.dpt[de.PageID] = de.RecoveryLSN
				}
			}
		}
	}

	// Transactions that reached Commit already forced the WAL up to their
	// commit LSN (txn.Manager.Commit does this before returning), so they
	// need no undo; a crash before their End record was written just
	// leaves that bookkeeping step to recovery.
	for _, e := range m.txn.Snapshot() {
		if e.State == txn.StateCommitted {
			if _, err := m.wal.Append(&wal.Record{TxID: e.TxID, PrevLSN: e.LastLSN, Type: wal.RecordEnd}); err != nil {
				return err
			}
			m.txn.Finish(e.TxID)
		}
	}

	// Everything left is a transaction that was still running at crash
	// time: flip it to CandidateForUndo ahead of the undo pass.
	m.txn.MarkCandidateForUndo()

	return nil
}

func (m *Manager) minDirtyRecLSN() LSN {
	var min LSN
	first := true
	for _, lsn := range m.dpt {
		if first || lsn < min {
			min = lsn
			first = false
		}
	}
	if first {
		return 0
	}
	return min
}

// redo replays every Update/CLR at or after redoLSN whose page is
// recorded dirty in the DPT as of at least that LSN, skipping pages
// whose on-disk image is already at least as new as the record. redoLSN of 0 means the DPT was empty: nothing to redo.
func (m *Manager) redo(redoLSN LSN) error {
	if redoLSN == 0 {
		return nil
	}

	r, err := m.wal.NewReader()
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if rec.LSN < redoLSN {
			continue
		}

		var pgno PageID
		var after []byte
		switch rec.Type {
		case wal.RecordUpdate, wal.RecordCLR:
			pgno, after = rec.PageID, rec.After
		default:
			continue
		}

		recLSN, inDPT := m.dpt[pgno]
		if !inDPT || rec.LSN < recLSN {
			continue
		}

		f, err := m.pager.Get(pgno)
		if err != nil {
			return err
		}
		if pager.PageLSN(f.Buf) < rec.LSN {
			f = m.pager.MakeWritable(f)
			copy(f.XBuf, after)
			if err := m.pager.Save(f, rec.LSN); err != nil {
				m.pager.Release(f)
				return err
			}
		}
		m.pager.Release(f)
	}
	return nil
}

// undo rolls back every transaction analysis left CandidateForUndo,
// newest-undo-first: it repeatedly picks the highest remaining
// undoNextLSN across all of them, looks up that record, and either
// writes a CLR restoring the before-image (Update), follows the CLR's
// own recorded undo-next (CLR), or finishes the transaction (Begin — its
// undo chain is exhausted).
func (m *Manager) undo() error {
	for {
		lsn, tid, ok := m.nextUndoCandidate()
		if !ok {
			break
		}
		e, ok := m.txn.Get(tid)
		if !ok {
			return fmt.Errorf("undo: no ATT entry for tid %d", tid)
		}

		// A chain already at 0 never logged an Update: a begin-only loser,
		// or one undone down to its Begin record. There is no LSN 0 record
		// to look up; finish it directly the same way the RecordBegin case
		// below does once it walks a chain down to its end.
		if lsn == 0 {
			if _, err := m.wal.Append(&wal.Record{TxID: tid, PrevLSN: e.LastLSN, Type: wal.RecordEnd}); err != nil {
				return fmt.Errorf("undo: append End for tid %d: %w", tid, err)
			}
			m.txn.Finish(tid)
			continue
		}

		rec, ok := m.records[lsn]
		if !ok {
			return fmt.Errorf("undo: missing log record for LSN %d", lsn)
		}

		switch rec.Type {
		case wal.RecordUpdate:
			f, err := m.pager.Get(rec.PageID)
			if err != nil {
				return err
			}
			f = m.pager.MakeWritable(f)
			copy(f.XBuf, rec.Before)

			clrLSN, err := m.wal.Append(&wal.Record{
				TxID:        tid,
				PrevLSN:     e.LastLSN,
				Type:        wal.RecordCLR,
				PageID:      rec.PageID,
				After:       rec.Before,
				UndoNextLSN: rec.PrevLSN,
			})
			if err != nil {
				m.pager.Release(f)
				return fmt.Errorf("undo: append CLR for tid %d: %w", tid, err)
			}
			if err := m.wal.FlushTo(clrLSN); err != nil {
				m.pager.Release(f)
				return err
			}
			if err := m.pager.Save(f, clrLSN); err != nil {
				m.pager.Release(f)
				return err
			}
			m.pager.Release(f)

			e.LastLSN = clrLSN
			e.UndoNextLSN = rec.PrevLSN
			m.txn.Restore(e)

		case wal.RecordCLR:
			e.UndoNextLSN = rec.UndoNextLSN
			m.txn.Restore(e)

		case wal.RecordBegin:
			if _, err := m.wal.Append(&wal.Record{TxID: tid, PrevLSN: e.LastLSN, Type: wal.RecordEnd}); err != nil {
				return fmt.Errorf("undo: append End for tid %d: %w", tid, err)
			}
			m.txn.Finish(tid)

		default:
			return fmt.Errorf("undo: unexpected record type %s at LSN %d", rec.Type, lsn)
		}
	}
	return nil
}

// nextUndoCandidate returns the highest undoNextLSN among CandidateForUndo
// entries, and the tid it belongs to, or ok=false once none remain. A
// begin-only loser (or one walked all the way down) sits at undoNextLSN
// 0, which must still be selected once so undo() can finish it — an
// unconditional `ok` the first time a candidate is seen, rather than a
// `> lsn` test starting from 0, is what lets that happen.
func (m *Manager) nextUndoCandidate() (lsn LSN, tid TxID, ok bool) {
	for _, e := range m.txn.Snapshot() {
		if e.State != txn.StateCandidateForUndo {
			continue
		}
		if !ok || e.UndoNextLSN > lsn {
			lsn = e.UndoNextLSN
			tid = e.TxID
			ok = true
		}
	}
	return lsn, tid, ok
}
