// Package txn implements the transaction manager: the active
// transaction table (ATT) and begin_txn/commit/rollback,
// built on package pager for page access, package wal for logging, and
// package locktable for hierarchical locking.
package txn

import (
	"fmt"
	"sync"

	"github.com/numstore/numstore/internal/engineerr"
	"github.com/numstore/numstore/internal/hashtable"
	"github.com/numstore/numstore/internal/locktable"
	"github.com/numstore/numstore/internal/pager"
	"github.com/numstore/numstore/internal/wal"
)

type LSN = pager.LSN
type PageID = pager.PageID
type TxID = pager.TxID

// State is an ATT entry's lifecycle stage.
type State uint8

const (
	StateRunning State = iota
	StateCommitted
	StateCandidateForUndo
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateCommitted:
		return "Committed"
	case StateCandidateForUndo:
		return "CandidateForUndo"
	case StateDone:
		return "Done"
	default:
		return "?"
	}
}

// Entry is one active transaction table record.
type Entry struct {
	TxID        TxID
	State       State
	LastLSN     LSN
	UndoNextLSN LSN
}

// WAL is the subset of *wal.Manager the transaction manager depends on.
type WAL interface {
	Append(rec *wal.Record) (LSN, error)
	FlushTo(lsn LSN) error
	ReadAt(lsn LSN) (*wal.Record, error)
}

// Manager owns the ATT, the lock table, and the pager, sequencing every
// page mutation through Append-then-Save so the WAL rule always holds.
type Manager struct {
	mu  sync.Mutex
	att *hashtable.Table[TxID, *Entry]

	pager *pager.Pager
	wal   WAL
	locks *locktable.Table
}

// NewManager wires a transaction manager over an already-open pager and
// WAL, with a lock table sized from locktable.DefaultSettings.
func NewManager(p *pager.Pager, w WAL) *Manager {
	return NewManagerWithLocks(p, w, locktable.NewTable())
}

// NewManagerWithLocks is NewManager with a caller-supplied lock table,
// e.g. one sized from an EngineConfig override.
func NewManagerWithLocks(p *pager.Pager, w WAL, locks *locktable.Table) *Manager {
	return &Manager{
		att:   hashtable.New[TxID, *Entry](hashtable.DefaultSettings(), func(id TxID) uint64 { return hashtable.HashUint64(uint64(id)) }),
		pager: p,
		wal:   w,
		locks: locks,
	}
}

// Locks exposes the lock table so the rptree layer can acquire RPTREE /
// VAR* locks under an open transaction.
func (m *Manager) Locks() *locktable.Table { return m.locks }

// Begin allocates a tid, appends a Begin record, and inserts a Running
// ATT entry.
func (m *Manager) Begin() (TxID, error) {
	tid := m.pager.AllocTxID()
	lsn, err := m.wal.Append(&wal.Record{TxID: tid, Type: wal.RecordBegin})
	if err != nil {
		return 0, fmt.Errorf("txn: begin %d: %w", tid, err)
	}
	m.mu.Lock()
	m.att.Insert(tid, &Entry{TxID: tid, State: StateRunning, LastLSN: lsn})
	m.mu.Unlock()
	return tid, nil
}

func (m *Manager) entry(tid TxID) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.att.Lookup(tid)
}

// Get returns a copy of tid's ATT entry, if present. Exposed for package
// recovery, which reads and rewrites entries outside the normal
// begin/update/commit/rollback lifecycle while replaying the log.
func (m *Manager) Get(tid TxID) (Entry, bool) {
	e, ok := m.entry(tid)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Update performs one ARIES physiological update against pgno under tid:
// make the page writable, let mutate edit the X-image in place, append
// an Update record capturing the before/after page images, stamp the
// page with the resulting LSN, and advance the ATT entry.
func (m *Manager) Update(tid TxID, pgno PageID, mutate func(buf []byte)) error {
	e, ok := m.entry(tid)
	if !ok {
		return fmt.Errorf("txn: update: %w: tid %d", engineerr.ErrNoSuchTxn, tid)
	}
	if e.State != StateRunning {
		return fmt.Errorf("txn: update: %w: tid %d is in state %s", engineerr.ErrTxnNotRunning, tid, e.State)
	}

	f, err := m.pager.Get(pgno)
	if err != nil {
		return err
	}
	defer m.pager.Release(f)

	f = m.pager.MakeWritable(f)
	before := append([]byte(nil), f.Buf...)
	mutate(f.XBuf)
	after := append([]byte(nil), f.XBuf...)

	lsn, err := m.wal.Append(&wal.Record{
		TxID:   tid,
		Type:   wal.RecordUpdate,
		PageID: pgno,
		Before: before,
		After:  after,
	})
	if err != nil {
		return fmt.Errorf("txn: append update for page %d: %w", pgno, err)
	}
	if err := m.pager.Save(f, lsn); err != nil {
		return err
	}

	m.mu.Lock()
	e.LastLSN = lsn
	e.UndoNextLSN = lsn
	m.mu.Unlock()
	return nil
}

// Commit writes Commit+End, forces the WAL to the commit LSN, releases
// every lock tid holds, and removes the ATT entry. A
// second Commit on the same tid returns ErrDuplicateCommit.
func (m *Manager) Commit(tid TxID) error {
	e, ok := m.entry(tid)
	if !ok {
		return fmt.Errorf("txn: commit: %w: tid %d", engineerr.ErrDuplicateCommit, tid)
	}
	if e.State != StateRunning {
		return fmt.Errorf("txn: commit: %w: tid %d", engineerr.ErrDuplicateCommit, tid)
	}

	commitLSN, err := m.wal.Append(&wal.Record{TxID: tid, PrevLSN: e.LastLSN, Type: wal.RecordCommit})
	if err != nil {
		return fmt.Errorf("txn: commit %d: %w", tid, err)
	}
	if err := m.wal.FlushTo(commitLSN); err != nil {
		return fmt.Errorf("txn: flush commit %d: %w", tid, err)
	}
	if _, err := m.wal.Append(&wal.Record{TxID: tid, PrevLSN: commitLSN, Type: wal.RecordEnd}); err != nil {
		return fmt.Errorf("txn: end %d: %w", tid, err)
	}

	m.locks.ReleaseAll(tid)
	m.mu.Lock()
	e.State = StateDone
	m.att.Delete(tid)
	m.mu.Unlock()
	return nil
}

// Rollback fully undoes tid and ends it, equivalent to RollbackTo(tid, 0).
func (m *Manager) Rollback(tid TxID) error {
	return m.RollbackTo(tid, 0)
}

// RollbackTo walks the undo chain from e.UndoNextLSN, writing a CLR with
// the before-image of each Update it undoes, stopping once the chain
// reaches saveLSN").
// saveLSN==0 undoes everything back to the transaction's Begin record and
// ends it, releasing its locks; a nonzero saveLSN is a savepoint-style
// partial rollback that leaves tid Running, still holding its locks, so
// the caller can keep using the same transaction afterward. Crash
// recovery's undo pass lives in package recovery and reasons about
// CandidateForUndo transactions across the whole log instead of a single
// live one.
func (m *Manager) RollbackTo(tid TxID, saveLSN LSN) error {
	e, ok := m.entry(tid)
	if !ok {
		return fmt.Errorf("txn: rollback: %w: tid %d", engineerr.ErrNoSuchTxn, tid)
	}

	lsn := e.UndoNextLSN
	var lastCLRLSN LSN
	for lsn != 0 && lsn > saveLSN {
		rec, err := m.wal.ReadAt(lsn)
		if err != nil {
			return fmt.Errorf("txn: rollback %d: %w", tid, err)
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
				Type:        wal.RecordCLR,
				PageID:      rec.PageID,
				After:       rec.Before,
				UndoNextLSN: rec.PrevLSN,
			})
			if err != nil {
				m.pager.Release(f)
				return fmt.Errorf("txn: rollback %d: append CLR: %w", tid, err)
			}
			err = m.pager.Save(f, clrLSN)
			m.pager.Release(f)
			if err != nil {
				return err
			}
			lastCLRLSN = clrLSN
		}
		lsn = rec.PrevLSN
	}

	m.mu.Lock()
	e.UndoNextLSN = saveLSN
	if lastCLRLSN != 0 {
		e.LastLSN = lastCLRLSN
	}
	m.mu.Unlock()

	if saveLSN != 0 {
		return nil
	}

	m.locks.ReleaseAll(tid)
	m.mu.Lock()
	e.State = StateDone
	m.att.Delete(tid)
	m.mu.Unlock()
	return nil
}

// Snapshot returns every active ATT entry, for CkptEnd records.
func (m *Manager) Snapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	m.att.ForEach(func(_ TxID, e *Entry) { out = append(out, *e) })
	return out
}

// Restore reinstalls an ATT entry during recovery's analysis phase.
func (m *Manager) Restore(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec := e
	m.att.Insert(e.TxID, &ec)
}

// MarkCandidateForUndo flips every still-Running entry found during
// analysis to CandidateForUndo, ahead of the undo pass.
func (m *Manager) MarkCandidateForUndo() []TxID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []TxID
	m.att.ForEach(func(tid TxID, e *Entry) {
		if e.State == StateRunning {
			e.State = StateCandidateForUndo
			ids = append(ids, tid)
		}
	})
	return ids
}

// Finish removes tid's ATT entry once recovery has finished undoing it.
func (m *Manager) Finish(tid TxID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.att.Delete(tid)
}
