// Package numstore is the embeddable storage-engine core: a paged file
// manager, a clock-sweep buffer pool, an ARIES write-ahead log, a
// multi-granularity-locking transaction manager, ARIES restart recovery,
// and an R+ tree payload layer for variable-length byte sequences.
//
// # Basic usage
//
//	eng, err := numstore.Open("data.ns", "data.wal")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	tid, err := eng.Begin()
//	root, err := eng.RptNew(tid)
//	root, err = eng.RptInsert(tid, root, []byte("hello"), 0, 1, 5)
//	err = eng.Commit(tid)
//
// Opening an existing database file automatically replays the ARIES
// recovery pipeline (analysis, redo, undo) against the WAL generation
// left behind by the previous open before accepting new transactions.
//
// The type-system/DSL compiler, the nsfile CLI, and the polling TCP
// server that embed this core are out of scope here; this
// package only implements the public operations they call.
package numstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/numstore/numstore/internal/checkpoint"
	"github.com/numstore/numstore/internal/config"
	"github.com/numstore/numstore/internal/engineerr"
	"github.com/numstore/numstore/internal/locktable"
	"github.com/numstore/numstore/internal/pager"
	"github.com/numstore/numstore/internal/recovery"
	"github.com/numstore/numstore/internal/rptree"
	"github.com/numstore/numstore/internal/txn"
	"github.com/numstore/numstore/internal/wal"
)

// Re-exported types so callers never need to import internal packages
// directly.
type (
	TxID   = pager.TxID
	PageID = pager.PageID
	LSN    = pager.LSN

	// Stride describes a strided element sequence for RptWrite/RptRead/
	// RptRemove: element i sits at byte offset Start + i*Step.
	Stride = rptree.Stride

	// EngineConfig is every compile-time tunable the engine exposes.
	EngineConfig = config.EngineConfig
)

// Engine is one open database: a pager, a WAL, a transaction manager, and
// a checkpoint daemon wired together over a single on-disk file pair.
type Engine struct {
	cfg config.EngineConfig
	log *log.Logger

	pager *pager.Pager
	wal   *wal.Manager
	txm   *txn.Manager
	ckpt  *checkpoint.Daemon

	carrier engineerr.Carrier
}

// Open opens or creates a database at dbPath, using walDir to hold its
// write-ahead log segments, with the compile-time defaults from
// config.Default. If dbPath already exists, Open replays ARIES recovery
// against the WAL generation left by the previous open before returning.
func Open(dbPath, walDir string) (*Engine, error) {
	return OpenWithConfig(dbPath, walDir, config.Default())
}

// OpenWithConfig is Open with a caller-supplied EngineConfig, e.g. loaded
// via config.Load from a YAML override file.
func OpenWithConfig(dbPath, walDir string, cfg config.EngineConfig) (*Engine, error) {
	// No *Engine exists yet to hang a carrier field off of, but Open's
	// own setup failures are exactly the kind of failure AbortOnFailure
	// exists to catch at its source, so a standalone carrier covers this
	// function's early returns too.
	carrier := engineerr.Carrier{AbortOnFailure: cfg.AbortOnFailure}

	existing := false
	if _, err := os.Stat(dbPath); err == nil {
		existing = true
	} else if !os.IsNotExist(err) {
		err = fmt.Errorf("numstore: stat %s: %w", dbPath, err)
		carrier.Check(err)
		return nil, err
	}

	if err := os.MkdirAll(walDir, 0o755); err != nil {
		err = fmt.Errorf("numstore: create wal dir %s: %w", walDir, err)
		carrier.Check(err)
		return nil, err
	}
	walBase := filepath.Base(dbPath)

	var w *wal.Manager
	var err error
	if existing {
		w, err = wal.OpenGeneration(walDir, walBase, cfg.WALSegmentSize)
	} else {
		w, err = wal.Open(walDir, walBase, cfg.WALSegmentSize)
	}
	if err != nil {
		err = fmt.Errorf("numstore: open wal: %w", err)
		carrier.Check(err)
		return nil, err
	}

	p, err := pager.Open(dbPath, cfg.PageSize, cfg.MemoryPageLen, w)
	if err != nil {
		w.Close()
		err = fmt.Errorf("numstore: open pager: %w", err)
		carrier.Check(err)
		return nil, err
	}

	tm := txn.NewManagerWithLocks(p, w, locktable.NewTableWithSettings(cfg.LockHash.ToHashtableSettings()))

	eng := &Engine{
		cfg:     cfg,
		log:     log.New(os.Stderr, "numstore: ", log.LstdFlags),
		pager:   p,
		wal:     w,
		txm:     tm,
		carrier: engineerr.Carrier{AbortOnFailure: cfg.AbortOnFailure},
	}

	if existing {
		rm := recovery.NewManager(p, w, tm)
		if err := rm.Run(); err != nil {
			p.Close()
			w.Close()
			err = fmt.Errorf("numstore: recovery: %w", err)
			eng.carrier.Check(err)
			return nil, err
		}
		eng.log.Printf("recovery complete for %s", dbPath)
	}

	d, err := checkpoint.NewDaemon(p, w, tm, cfg.CheckpointSchedule)
	if err != nil {
		p.Close()
		w.Close()
		err = fmt.Errorf("numstore: checkpoint daemon: %w", err)
		eng.carrier.Check(err)
		return nil, err
	}
	d.Start()
	eng.ckpt = d

	return eng, nil
}

// Close stops the checkpoint daemon, forces one final checkpoint, and
// closes the WAL and pager. A second Close on the same Engine is not a
// no-op: it fails when closing the already-closed WAL, same as closing
// an *os.File twice.
func (e *Engine) Close() error {
	e.ckpt.Stop()
	if _, err := checkpoint.Run(e.pager, e.wal, e.txm); err != nil {
		e.log.Printf("final checkpoint failed: %v", err)
	}
	if err := e.wal.Close(); err != nil {
		err = fmt.Errorf("numstore: close wal: %w", err)
		e.carrier.Check(err)
		return err
	}
	if err := e.pager.Close(); err != nil {
		err = fmt.Errorf("numstore: close pager: %w", err)
		e.carrier.Check(err)
		return err
	}
	return nil
}

// Begin starts a new transaction.
func (e *Engine) Begin() (TxID, error) {
	tid, err := e.txm.Begin()
	e.carrier.Check(err)
	return tid, err
}

// Commit commits tid.
func (e *Engine) Commit(tid TxID) error {
	err := e.txm.Commit(tid)
	e.carrier.Check(err)
	return err
}

// Rollback undoes tid's updates back to saveLSN (0 rolls back and ends
// the transaction entirely; a nonzero saveLSN is a savepoint-style
// partial rollback that leaves tid running).
func (e *Engine) Rollback(tid TxID, saveLSN LSN) error {
	err := e.txm.RollbackTo(tid, saveLSN)
	e.carrier.Check(err)
	return err
}

// Checkpoint runs an immediate checkpoint outside the daemon's schedule
// and returns the master LSN it recorded.
func (e *Engine) Checkpoint() (LSN, error) {
	lsn, err := e.ckpt.TriggerNow()
	e.carrier.Check(err)
	return lsn, err
}

// CheckpointStats reports the checkpoint daemon's activity counters.
func (e *Engine) CheckpointStats() checkpoint.Stats {
	return e.ckpt.Stats()
}

// ───────────────────────────────────────────────────────────────────────────
// R+ tree payload operations
// ───────────────────────────────────────────────────────────────────────────

// RptNew allocates a fresh, empty R+ tree payload under tid and returns
// its root page id for the caller to persist (e.g. in a variable catalog
// entry).
func (e *Engine) RptNew(tid TxID) (PageID, error) {
	c := rptree.NewCursor(e.pager, e.txm)
	root, err := c.New()
	if err != nil {
		err = fmt.Errorf("numstore: rpt_new: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	if err := c.EnterTransaction(tid); err != nil {
		err = fmt.Errorf("numstore: rpt_new: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	return root, nil
}

// RptInsert splices size*nelems bytes from src into the tree rooted at
// root at byteOff under tid, returning the tree's new root (which may
// have changed if the insert grew a new root level above root).
func (e *Engine) RptInsert(tid TxID, root PageID, src []byte, byteOff int64, size, nelems int) (PageID, error) {
	c := rptree.NewCursor(e.pager, e.txm)
	if err := c.Open(root); err != nil {
		err = fmt.Errorf("numstore: rpt_insert: %w", err)
		e.carrier.Check(err)
		return root, err
	}
	if err := c.EnterTransaction(tid); err != nil {
		err = fmt.Errorf("numstore: rpt_insert: %w", err)
		e.carrier.Check(err)
		return root, err
	}
	if err := c.Insert(src, byteOff, size, nelems); err != nil {
		err = fmt.Errorf("numstore: rpt_insert: %w", err)
		e.carrier.Check(err)
		return root, err
	}
	return c.Root(), nil
}

// RptWrite overwrites elements described by stride in place under tid
//. Every element must already lie within the
// tree's current size.
func (e *Engine) RptWrite(tid TxID, root PageID, src []byte, size int, stride Stride) error {
	c := rptree.NewCursor(e.pager, e.txm)
	if err := c.Open(root); err != nil {
		err = fmt.Errorf("numstore: rpt_write: %w", err)
		e.carrier.Check(err)
		return err
	}
	if err := c.EnterTransaction(tid); err != nil {
		err = fmt.Errorf("numstore: rpt_write: %w", err)
		e.carrier.Check(err)
		return err
	}
	if err := c.Write(src, size, stride); err != nil {
		err = fmt.Errorf("numstore: rpt_write: %w", err)
		e.carrier.Check(err)
		return err
	}
	return nil
}

// RptRead gathers elements described by stride from the tree rooted at
// root into dest, which must be at least size*stride.Nelems bytes long,
// and returns the number of bytes read. Reads
// need no bound transaction: the tree has no snapshot isolation of its
// own, so a read observes whatever state the buffer pool currently holds.
func (e *Engine) RptRead(root PageID, dest []byte, size int, stride Stride) (int, error) {
	c := rptree.NewCursor(e.pager, e.txm)
	if err := c.Open(root); err != nil {
		err = fmt.Errorf("numstore: rpt_read: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	if err := c.Read(dest, size, stride); err != nil {
		err = fmt.Errorf("numstore: rpt_read: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	return size * int(stride.Nelems), nil
}

// RptRemove deletes elements described by stride from the tree rooted at
// root under tid, gathering their prior contents into dest first if dest
// is non-nil, and returns the number of bytes removed.
func (e *Engine) RptRemove(tid TxID, root PageID, dest []byte, size int, stride Stride) (int, error) {
	c := rptree.NewCursor(e.pager, e.txm)
	if err := c.Open(root); err != nil {
		err = fmt.Errorf("numstore: rpt_remove: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	if err := c.EnterTransaction(tid); err != nil {
		err = fmt.Errorf("numstore: rpt_remove: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	if err := c.Remove(dest, size, stride); err != nil {
		err = fmt.Errorf("numstore: rpt_remove: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	return size * int(stride.Nelems), nil
}

// RptSize returns the tree rooted at root's total byte length.
func (e *Engine) RptSize(root PageID) (int64, error) {
	c := rptree.NewCursor(e.pager, e.txm)
	if err := c.Open(root); err != nil {
		err = fmt.Errorf("numstore: rpt_size: %w", err)
		e.carrier.Check(err)
		return 0, err
	}
	return c.Size(), nil
}

// RptDelete reclaims every page belonging to the tree rooted at root
// under tid, walking it children-first and tombstoning every leaf and
// inner page.
func (e *Engine) RptDelete(tid TxID, root PageID) error {
	c := rptree.NewCursor(e.pager, e.txm)
	if err := c.Open(root); err != nil {
		err = fmt.Errorf("numstore: rpt_delete: %w", err)
		e.carrier.Check(err)
		return err
	}
	if err := c.EnterTransaction(tid); err != nil {
		err = fmt.Errorf("numstore: rpt_delete: %w", err)
		e.carrier.Check(err)
		return err
	}
	if err := c.DeleteAll(tid); err != nil {
		err = fmt.Errorf("numstore: rpt_delete: %w", err)
		e.carrier.Check(err)
		return err
	}
	return nil
}

// Kind classifies err, for callers that need to dispatch
// on failure category (e.g. retry on PagerFull after releasing pins).
func Kind(err error) engineerr.Kind {
	return engineerr.KindOf(err)
}
