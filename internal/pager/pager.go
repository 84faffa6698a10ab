package pager

import (
	"fmt"
	"sync"

	"github.com/numstore/numstore/internal/hashtable"
)

// ───────────────────────────────────────────────────────────────────────────
// Pager core
// ───────────────────────────────────────────────────────────────────────────
//
// Pager ties the file pager, the buffer pool, and the root page together
// and exposes the page-frame-shadowing operations the rest of the engine
// (txn, recovery, rptree) builds on: Get (S-image), MakeWritable (X-shadow),
// Save (commit the shadow back as the S-image), Release (unpin), New
// (allocate, LIFO tombstone reuse first), DeleteAndRelease (tombstone),
// and Checkpoint (flush everything and fix the root page's master LSN).
//
// The WAL rule — a page may not be flushed to disk until the WAL has been
// forced at least up to that page's page-LSN — is enforced by the WAL
// interface below: Pager never writes its own log records (the txn layer
// does, supplying the resulting LSN to Save), it only asks the WAL to
// flush up to a given point before evicting or checkpointing.

// WAL is the subset of the write-ahead log the pager depends on. The
// concrete implementation lives in package wal; Pager takes an interface
// so wal can import pager's types without an import cycle.
type WAL interface {
	FlushTo(lsn LSN) error
}

// Pager is the paged storage substrate: file + buffer pool + root page.
type Pager struct {
	file *File
	pool *BufferPool
	wal  WAL

	rootMu sync.Mutex
	root   *RootPage

	// dpt is the dirty page table"):
	// pgno -> the LSN at which it first became dirty since last clean.
	// Built on the same adaptive hash table as the lock table and ATT.
	dpt *hashtable.Table[PageID, LSN]
}

// Open opens or creates a database file at path with the given page size
// and buffer-pool frame count, wiring in wal for the flush-before-evict
// rule. wal may be nil during standalone pager testing, in which case the
// WAL rule is not enforced (callers get what they pay for).
func Open(path string, pageSize, poolFrames int, wal WAL) (*Pager, error) {
	file, created, err := OpenFile(path, pageSize)
	if err != nil {
		return nil, err
	}
	p := &Pager{
		file: file,
		pool: NewBufferPool(poolFrames),
		wal:  wal,
		dpt:  hashtable.New[PageID, LSN](hashtable.DefaultSettings(), func(id PageID) uint64 { return hashtable.HashUint32(uint32(id)) }),
	}
	if created {
		p.root = NewRootPage()
		return p, nil
	}
	buf := make([]byte, pageSize)
	if err := file.ReadPage(RootPageID, buf); err != nil {
		file.Close()
		return nil, err
	}
	root, err := UnmarshalRootPage(buf)
	if err != nil {
		file.Close()
		return nil, err
	}
	p.root = root
	return p, nil
}

// PageSize reports the configured page size.
func (p *Pager) PageSize() int { return p.file.PageSize() }

// flushFrame is the BufferPool.Reserve eviction callback: force the WAL
// up to the frame's page-LSN, then write the S-image to disk.
func (p *Pager) flushFrame(f *PageFrame) error {
	lsn := PageLSN(f.Buf)
	if p.wal != nil {
		if err := p.wal.FlushTo(lsn); err != nil {
			return fmt.Errorf("pager: flush WAL to %d before evicting page %d: %w", lsn, f.Pgno, err)
		}
	}
	if err := p.file.WritePage(f.Pgno, f.Buf); err != nil {
		return err
	}
	f.Flags &^= FlagDirty
	p.dpt.Delete(f.Pgno)
	return nil
}

// DPTSnapshot returns a copy of the dirty page table, for CkptEnd records
// and recovery's analysis phase.
func (p *Pager) DPTSnapshot() map[PageID]LSN {
	out := make(map[PageID]LSN, p.dpt.Size())
	p.dpt.ForEach(func(pgno PageID, lsn LSN) { out[pgno] = lsn })
	return out
}

// Get pins and returns the S-image (shared, read-only by convention) of
// pgno, loading it from disk on first touch.
func (p *Pager) Get(pgno PageID) (*PageFrame, error) {
	p.pool.Lock()
	if slot, ok := p.pool.index[pgno]; ok {
		f := p.pool.Frame(slot)
		f.Pin++
		f.Flags |= FlagAccess
		p.pool.Unlock()
		return f, nil
	}
	p.pool.Unlock()

	slot, err := p.pool.Reserve(p.flushFrame)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, p.PageSize())
	if err := p.file.ReadPage(pgno, buf); err != nil {
		return nil, err
	}
	// A page that was extended but never flushed is still all zeros on
	// disk and carries no checksum yet; only written pages are verified.
	zero := true
	for _, b := range buf {
		if b != 0 {
			zero = false
			break
		}
	}
	if !zero {
		if err := VerifyPageCRC(buf); err != nil {
			return nil, fmt.Errorf("pager: page %d: %w", pgno, err)
		}
	}

	p.pool.Lock()
	defer p.pool.Unlock()
	// Another goroutine may have raced us and loaded pgno into a
	// different slot while we read from disk; prefer theirs and give
	// our slot back untouched (it is still marked absent).
	if existing, ok := p.pool.index[pgno]; ok {
		f := p.pool.Frame(existing)
		f.Pin++
		f.Flags |= FlagAccess
		return f, nil
	}
	p.pool.Install(slot, pgno)
	f := p.pool.Frame(slot)
	f.Buf = buf
	f.Pin = 1
	f.Flags |= FlagAccess
	return f, nil
}

// MakeWritable allocates an X-shadow for an already-pinned S-image frame
// and returns it. Writers mutate XBuf; Save commits it back as the new
// S-image. Holding the X-shadow does not block concurrent readers of the
// S-image — that is the entire point of shadowing instead of locking.
func (p *Pager) MakeWritable(f *PageFrame) *PageFrame {
	p.pool.Lock()
	defer p.pool.Unlock()
	if f.Flags&FlagX != 0 {
		return f
	}
	f.XBuf = append([]byte(nil), f.Buf...)
	f.Flags |= FlagX
	return f
}

// Save commits a frame's X-shadow back as the new S-image, stamping the
// page with lsn (the LSN of the WAL record the caller already appended
// describing this change) and marking the frame dirty for later flush.
func (p *Pager) Save(f *PageFrame, lsn LSN) error {
	p.pool.Lock()
	defer p.pool.Unlock()
	if f.Flags&FlagX == 0 {
		return fmt.Errorf("pager: save page %d: no writable shadow held", f.Pgno)
	}
	SetPageLSN(f.XBuf, lsn)
	SetPageCRC(f.XBuf)
	f.Buf = f.XBuf
	f.XBuf = nil
	f.Flags &^= FlagX
	f.Flags |= FlagDirty | FlagAccess
	if _, ok := p.dpt.Lookup(f.Pgno); !ok {
		p.dpt.Insert(f.Pgno, lsn)
	}
	return nil
}

// Release unpins a frame previously returned by Get.
func (p *Pager) Release(f *PageFrame) {
	p.pool.Lock()
	defer p.pool.Unlock()
	if f.Pin > 0 {
		f.Pin--
	}
}

// New allocates a fresh page of the given type, preferring the head of
// the LIFO tombstone chain over extending the file. The returned frame is
// pinned, dirty, and has no prior on-disk content to shadow, so the
// caller populates it directly (via the type-specific Init*Page
// helpers) and then calls MakeWritable+Save as usual once it wants to
// log further changes against it.
func (p *Pager) New(pt PageType) (*PageFrame, error) {
	pgno, err := p.allocatePageID()
	if err != nil {
		return nil, err
	}
	slot, err := p.pool.Reserve(p.flushFrame)
	if err != nil {
		return nil, err
	}
	buf := NewPage(p.PageSize(), pt, pgno)

	p.pool.Lock()
	p.pool.Install(slot, pgno)
	f := p.pool.Frame(slot)
	f.Buf = buf
	f.Pin = 1
	f.Flags |= FlagAccess | FlagDirty
	p.pool.Unlock()

	if _, ok := p.dpt.Lookup(pgno); !ok {
		p.dpt.Insert(pgno, 0)
	}
	return f, nil
}

// allocatePageID pops the tombstone chain head if non-empty, else
// extends the file by one page.
func (p *Pager) allocatePageID() (PageID, error) {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()

	if p.root.FirstTombstone != InvalidPageID {
		head := p.root.FirstTombstone
		buf := make([]byte, p.PageSize())
		if err := p.file.ReadPage(head, buf); err != nil {
			return 0, err
		}
		tp, err := WrapTombstonePage(buf)
		if err != nil {
			return 0, err
		}
		p.root.FirstTombstone = tp.Next()
		return head, nil
	}

	pgno, err := p.file.Extend()
	if err != nil {
		return 0, err
	}
	p.root.NextPageID = pgno + 1
	return pgno, nil
}

// DeleteAndRelease pushes pgno onto the head of the tombstone chain and
// releases its frame (if present in the pool). The page's prior content
// is discarded; S6, reuse order is strict LIFO.
func (p *Pager) DeleteAndRelease(f *PageFrame) error {
	p.rootMu.Lock()
	next := p.root.FirstTombstone
	p.root.FirstTombstone = f.Pgno
	p.rootMu.Unlock()

	buf := InitTombstonePage(make([]byte, p.PageSize()), f.Pgno, next).Bytes()
	// allocatePageID reads the chain from the file, so the tombstone is
	// written through rather than left in the pool.
	if err := p.file.WritePage(f.Pgno, buf); err != nil {
		return err
	}

	pgno := f.Pgno
	p.pool.Lock()
	p.pool.Uninstall(pgno)
	f.Reset()
	p.pool.Unlock()

	p.dpt.Delete(pgno)
	return nil
}

// AllocTxID hands out the next monotonic transaction id.
func (p *Pager) AllocTxID() TxID {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	id := p.root.NextTxID
	p.root.NextTxID++
	return id
}

// AdvanceNextTxID raises the root page's next-transaction-id counter past
// tid if it isn't already, so the allocator never reissues a tid recovery
// just saw in the log. The root page's NextTxID field is only durable as
// of the last checkpoint/close, so a crash can leave it behind however
// many Begins happened since; recovery's analysis pass calls this with
// the highest tid it observed before the engine resumes issuing new ones.
func (p *Pager) AdvanceNextTxID(tid TxID) {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	if tid >= p.root.NextTxID {
		p.root.NextTxID = tid + 1
	}
}

// SetMasterLSN records the LSN of the most recently completed checkpoint
// begin record, persisted into the root page on the next checkpoint/close.
func (p *Pager) SetMasterLSN(lsn LSN) {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	p.root.MasterLSN = lsn
}

// MasterLSN returns the root page's recorded master LSN (recovery's
// analysis-phase starting point).
func (p *Pager) MasterLSN() LSN {
	p.rootMu.Lock()
	defer p.rootMu.Unlock()
	return p.root.MasterLSN
}

// Checkpoint flushes every dirty frame and the root page to disk and
// fsyncs the file. It does not itself decide the master LSN — the
// recovery/checkpoint layer calls SetMasterLSN with the CkptBegin LSN
// before invoking Checkpoint
func (p *Pager) Checkpoint() error {
	for _, slot := range p.pool.DirtyFrames() {
		f := p.pool.Frame(slot)
		if err := p.flushFrame(f); err != nil {
			return err
		}
	}
	if err := p.flushRoot(); err != nil {
		return err
	}
	return p.file.Sync()
}

func (p *Pager) flushRoot() error {
	p.rootMu.Lock()
	buf := MarshalRootPage(p.root, p.PageSize())
	p.rootMu.Unlock()
	return p.file.WritePage(RootPageID, buf)
}

// Close flushes the root page and closes the underlying file. Dirty data
// frames are NOT flushed by Close — only WAL-forced checkpoints
// guarantee data-page durability; callers that want a clean shutdown
// should Checkpoint first.
func (p *Pager) Close() error {
	if err := p.flushRoot(); err != nil {
		return err
	}
	return p.file.Close()
}
