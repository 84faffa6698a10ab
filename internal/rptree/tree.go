// Package rptree (continued): the cursor/tree type implementing the
// tree's public operations — find-leaf, path-to-leaf, insert-with-split,
// insert-into-parent, split-internal, create-new-root — adapted from
// sorted keys to cumulative byte offsets and from a single key-value
// leaf entry to a contiguous payload run per leaf.
package rptree

import (
	"fmt"

	"github.com/numstore/numstore/internal/engineerr"
	"github.com/numstore/numstore/internal/locktable"
	"github.com/numstore/numstore/internal/pager"
	"github.com/numstore/numstore/internal/txn"
)

type TxID = pager.TxID

// State is the cursor's position in its open/bound/closed lifecycle.
// Unlike the buffer pool's Flags (load-bearing in every operation),
// these are only recorded: nothing in the package reads them, and
// precondition checks use the bound flag instead. The tree's actual
// control flow is driven by the operation being run, not by State.
type State uint8

const (
	StateUnseeked State = iota
	StateSeeking
	StateDLReading
	StateSeeked
	StateDLInserting
	StateDLRemoving
	StateDLWriting
	StateInRebalancing
	StatePermissive
)

func (s State) String() string {
	switch s {
	case StateUnseeked:
		return "Unseeked"
	case StateSeeking:
		return "Seeking"
	case StateDLReading:
		return "DL_Reading"
	case StateSeeked:
		return "Seeked"
	case StateDLInserting:
		return "DL_Inserting"
	case StateDLRemoving:
		return "DL_Removing"
	case StateDLWriting:
		return "DL_Writing"
	case StateInRebalancing:
		return "In_Rebalancing"
	case StatePermissive:
		return "Permissive"
	default:
		return "?"
	}
}

// Tree is a cursor over one R+ tree payload. Root can
// change identity across the cursor's lifetime (an overflowing root
// page is demoted to an ordinary child and a freshly allocated inner
// page takes over as root); call Root after any mutating operation if
// the caller persists the root pgno itself (e.g. in a variable's
// catalog entry).
type Tree struct {
	pager *pager.Pager
	txn   *txn.Manager

	root      PageID
	totalSize int64
	state     State
	tid       TxID
	bound     bool
}

// NewCursor wires an unopened cursor to a pager and transaction manager.
func NewCursor(p *pager.Pager, t *txn.Manager) *Tree {
	return &Tree{pager: p, txn: t, state: StateUnseeked}
}

// New allocates a fresh leaf page, initializes an empty tree, and opens
// the cursor on it. Returns the root pgno for the caller to persist.
func (c *Tree) New() (PageID, error) {
	f, err := c.pager.New(pager.PageTypeRptLeaf)
	if err != nil {
		return 0, fmt.Errorf("rptree: new: %w", err)
	}
	InitLeafPage(f.Buf, f.Pgno)
	root := f.Pgno
	c.pager.Release(f)

	c.root = root
	c.totalSize = 0
	c.state = StateUnseeked
	return root, nil
}

// Open loads root, caches total_size, and idles at Unseeked.
func (c *Tree) Open(root PageID) error {
	f, err := c.pager.Get(root)
	if err != nil {
		return fmt.Errorf("rptree: open %d: %w", root, err)
	}
	defer c.pager.Release(f)

	size, err := rootTotalSize(f.Buf)
	if err != nil {
		return fmt.Errorf("rptree: open %d: %w", root, err)
	}
	c.root = root
	c.totalSize = size
	c.state = StateUnseeked
	return nil
}

func rootTotalSize(buf []byte) (int64, error) {
	switch pager.PageTypeOf(buf) {
	case pager.PageTypeRptLeaf:
		lp, err := WrapLeafPage(buf)
		if err != nil {
			return 0, err
		}
		return lp.TotalSize(), nil
	case pager.PageTypeRptInner:
		ip, err := WrapInnerPage(buf)
		if err != nil {
			return 0, err
		}
		return ip.TotalSize(), nil
	default:
		return 0, fmt.Errorf("page is not an R+ tree node")
	}
}

// Root returns the tree's current root pgno.
func (c *Tree) Root() PageID { return c.root }

// Size returns the cached total byte length of the sequence.
func (c *Tree) Size() int64 { return c.totalSize }

// EnterTransaction binds subsequent mutating operations to tid,
// acquiring X on the tree's RPTREE lock resource.
func (c *Tree) EnterTransaction(tid TxID) error {
	if err := c.txn.Locks().Lock(tid, locktable.ResourceRptree, c.root, locktable.ModeX); err != nil {
		return fmt.Errorf("rptree: enter transaction: %w", err)
	}
	c.tid = tid
	c.bound = true
	return nil
}

// LeaveTransaction detaches the cursor from its bound transaction. It
// does not release the lock itself — that happens at commit/rollback,
// same as every other lock acquired under tid.
func (c *Tree) LeaveTransaction() { c.bound = false }

// Cleanup releases any cursor-held state and returns to Unseeked. It
// does not pin any pages across operations (each op is self-contained),
// so there is nothing to release beyond resetting the state machine.
func (c *Tree) Cleanup() error {
	c.state = StateUnseeked
	return nil
}

func (c *Tree) requireBound() (TxID, error) {
	if !c.bound {
		return 0, fmt.Errorf("%w: rptree: no transaction bound; call EnterTransaction first", engineerr.ErrInvalidArgument)
	}
	return c.tid, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Descent
// ───────────────────────────────────────────────────────────────────────────

// pathStep is one inner-page ancestor on the way down to a leaf.
type pathStep struct {
	pgno PageID
	idx  int // index of the child entry followed at this level
}

// descend walks from root to the leaf covering offset, returning the
// ancestor path (root-to-parent-of-leaf, may be empty if the leaf is
// itself the root) and the leaf's pgno plus offset local to that leaf.
func (c *Tree) descend(offset int64) (path []pathStep, leaf PageID, localOff int64, err error) {
	pgno := c.root
	off := offset
	for {
		f, gerr := c.pager.Get(pgno)
		if gerr != nil {
			return nil, 0, 0, gerr
		}
		switch pager.PageTypeOf(f.Buf) {
		case pager.PageTypeRptLeaf:
			c.pager.Release(f)
			return path, pgno, off, nil
		case pager.PageTypeRptInner:
			ip, werr := WrapInnerPage(f.Buf)
			if werr != nil {
				c.pager.Release(f)
				return nil, 0, 0, werr
			}
			idx := ip.FindChild(off)
			e := ip.Entry(idx)
			path = append(path, pathStep{pgno: pgno, idx: idx})
			off -= e.Offset
			pgno = e.Child
			c.pager.Release(f)
		default:
			c.pager.Release(f)
			return nil, 0, 0, fmt.Errorf("rptree: page %d is not a tree node", pgno)
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Insert
// ───────────────────────────────────────────────────────────────────────────

// Insert splices size*nelems bytes from src at byteOff, splitting
// leaves on overflow.
func (c *Tree) Insert(src []byte, byteOff int64, size, nelems int) error {
	tid, err := c.requireBound()
	if err != nil {
		return err
	}
	n := size * nelems
	if n < 0 || n > len(src) {
		return fmt.Errorf("%w: rptree: insert: size*nelems %d exceeds source length %d", engineerr.ErrInvalidArgument, n, len(src))
	}
	if byteOff < 0 {
		return fmt.Errorf("%w: rptree: insert: negative offset %d", engineerr.ErrInvalidArgument, byteOff)
	}
	// An offset past the end clamps to end-of-tree: insert becomes append.
	if byteOff > c.totalSize {
		byteOff = c.totalSize
	}
	c.state = StateDLInserting
	defer func() { c.state = StateSeeked }()

	data := src[:n]
	path, leaf, localOff, err := c.descend(byteOff)
	if err != nil {
		return err
	}

	splitPgno, splitAt, grew, err := c.insertIntoLeaf(tid, leaf, int(localOff), data)
	if err != nil {
		return err
	}
	if err := c.propagate(tid, path, splitPgno, splitAt, grew); err != nil {
		return err
	}
	c.totalSize += int64(len(data))
	return nil
}

// insertIntoLeaf inserts data into leaf at local offset off. If it
// overflows capacity, the leaf splits: the original pgno keeps the left
// half, a freshly allocated page holds the right half, and splitPgno/
// splitAt report the split to the caller for routing-entry propagation.
func (c *Tree) insertIntoLeaf(tid TxID, leaf PageID, off int, data []byte) (splitPgno PageID, splitAt int64, grew int64, err error) {
	f, err := c.pager.Get(leaf)
	if err != nil {
		return 0, 0, 0, err
	}
	lp, err := WrapLeafPage(f.Buf)
	if err != nil {
		c.pager.Release(f)
		return 0, 0, 0, err
	}
	merged := make([]byte, 0, lp.Used()+len(data))
	cur := lp.Payload()
	merged = append(merged, cur[:off]...)
	merged = append(merged, data...)
	merged = append(merged, cur[off:]...)
	c.pager.Release(f)

	if len(merged) <= LeafCapacity(c.pager.PageSize()) {
		if err := c.txn.Update(tid, leaf, func(buf []byte) {
			lp, _ := WrapLeafPage(buf)
			_ = lp.SetPayload(merged)
		}); err != nil {
			return 0, 0, 0, err
		}
		return 0, 0, int64(len(data)), nil
	}

	mid := len(merged) / 2
	left, right := merged[:mid], merged[mid:]

	rf, err := c.pager.New(pager.PageTypeRptLeaf)
	if err != nil {
		return 0, 0, 0, err
	}
	rlp := InitLeafPage(rf.Buf, rf.Pgno)
	if err := rlp.SetPayload(right); err != nil {
		c.pager.Release(rf)
		return 0, 0, 0, err
	}
	rightPgno := rf.Pgno
	c.pager.Release(rf)

	var oldNext PageID
	if err := c.txn.Update(tid, leaf, func(buf []byte) {
		lp, _ := WrapLeafPage(buf)
		oldNext = lp.Next()
		_ = lp.SetPayload(left)
		lp.SetNext(rightPgno)
	}); err != nil {
		return 0, 0, 0, err
	}
	if err := c.txn.Update(tid, rightPgno, func(buf []byte) {
		rlp, _ := WrapLeafPage(buf)
		rlp.SetPrev(leaf)
		rlp.SetNext(oldNext)
	}); err != nil {
		return 0, 0, 0, err
	}
	if oldNext != pager.InvalidPageID {
		if err := c.txn.Update(tid, oldNext, func(buf []byte) {
			nlp, _ := WrapLeafPage(buf)
			nlp.SetPrev(rightPgno)
		}); err != nil {
			return 0, 0, 0, err
		}
	}

	return rightPgno, int64(mid), int64(len(data)), nil
}

// propagate walks the ancestor path bottom-up after a leaf-level
// mutation, bumping every later sibling's cumulative offset by delta
// and, if the child split, inserting the new routing entry — splitting
// inner pages in turn when they overflow.
func (c *Tree) propagate(tid TxID, path []pathStep, splitPgno PageID, splitAt, delta int64) error {
	needInsert := splitPgno != 0

	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		var nextSplitPgno PageID
		var nextSplitAt int64

		f, err := c.pager.Get(step.pgno)
		if err != nil {
			return err
		}
		ip, err := WrapInnerPage(f.Buf)
		if err != nil {
			c.pager.Release(f)
			return err
		}
		entries := append([]Entry(nil), ip.Entries()...)
		c.pager.Release(f)

		for j := step.idx + 1; j < len(entries); j++ {
			entries[j].Offset += delta
		}
		if needInsert {
			newEntry := Entry{Offset: entries[step.idx].Offset + splitAt, Child: splitPgno}
			entries = append(entries, Entry{})
			copy(entries[step.idx+2:], entries[step.idx+1:len(entries)-1])
			entries[step.idx+1] = newEntry
		}

		if len(entries) <= InnerCapacity(c.pager.PageSize()) {
			if err := c.txn.Update(tid, step.pgno, func(buf []byte) {
				ip, _ := WrapInnerPage(buf)
				_ = ip.SetEntries(entries)
			}); err != nil {
				return err
			}
			needInsert = false
		} else {
			mid := len(entries) / 2
			leftEntries := entries[:mid]
			splitOffset := entries[mid].Offset
			rightEntries := make([]Entry, len(entries)-mid)
			for k, e := range entries[mid:] {
				rightEntries[k] = Entry{Offset: e.Offset - splitOffset, Child: e.Child}
			}

			rf, err := c.pager.New(pager.PageTypeRptInner)
			if err != nil {
				return err
			}
			rip := InitInnerPage(rf.Buf, rf.Pgno)
			if err := rip.SetEntries(rightEntries); err != nil {
				c.pager.Release(rf)
				return err
			}
			nextSplitPgno = rf.Pgno
			nextSplitAt = splitOffset
			c.pager.Release(rf)

			if err := c.txn.Update(tid, step.pgno, func(buf []byte) {
				ip, _ := WrapInnerPage(buf)
				_ = ip.SetEntries(leftEntries)
			}); err != nil {
				return err
			}
			needInsert = true
		}

		splitPgno = nextSplitPgno
		splitAt = nextSplitAt
	}

	if needInsert {
		return c.growRoot(tid, splitPgno, splitAt, delta)
	}

	// No pending split reached the top: just refresh TotalSize on the
	// (unchanged) root.
	return c.bumpRootTotalSize(tid, delta)
}

// growRoot handles the root-level split: a brand-new inner page becomes
// the tree's root, with two entries pointing at the old root content
// (still at its original pgno, now demoted to an ordinary child) and
// the new sibling produced by the split.
func (c *Tree) growRoot(tid TxID, splitPgno PageID, splitAt, delta int64) error {
	nf, err := c.pager.New(pager.PageTypeRptInner)
	if err != nil {
		return err
	}
	nip := InitInnerPage(nf.Buf, nf.Pgno)
	if err := nip.SetEntries([]Entry{
		{Offset: 0, Child: c.root},
		{Offset: splitAt, Child: splitPgno},
	}); err != nil {
		c.pager.Release(nf)
		return err
	}
	nip.SetTotalSize(c.totalSize + delta)
	newRoot := nf.Pgno
	c.pager.Release(nf)

	c.root = newRoot
	return nil
}

// bumpRootTotalSize updates the root page's authoritative TotalSize
// field by delta (the in-memory cache is updated by the caller).
func (c *Tree) bumpRootTotalSize(tid TxID, delta int64) error {
	if delta == 0 {
		return nil
	}
	return c.txn.Update(tid, c.root, func(buf []byte) {
		switch pager.PageTypeOf(buf) {
		case pager.PageTypeRptLeaf:
			lp, _ := WrapLeafPage(buf)
			lp.SetTotalSize(lp.TotalSize() + delta)
		case pager.PageTypeRptInner:
			ip, _ := WrapInnerPage(buf)
			ip.SetTotalSize(ip.TotalSize() + delta)
		}
	})
}

// ───────────────────────────────────────────────────────────────────────────
// Whole-tree delete
// ───────────────────────────────────────────────────────────────────────────

// DeleteAll reclaims every page belonging to the tree, leaf and inner
// alike, returning each to the tombstone free list. The cursor is left unusable afterward; callers must not
// reuse it.
func (c *Tree) DeleteAll(tid TxID) error {
	if _, err := c.requireBound(); err != nil {
		return err
	}
	if err := c.deleteSubtree(c.root); err != nil {
		return err
	}
	c.root = pager.InvalidPageID
	c.totalSize = 0
	c.bound = false
	return nil
}

// deleteSubtree tombstones pgno and, if it is an inner page, every
// descendant first (children before the parent, so a crash mid-delete
// never leaves an inner page routing to an already-tombstoned child).
func (c *Tree) deleteSubtree(pgno PageID) error {
	f, err := c.pager.Get(pgno)
	if err != nil {
		return err
	}
	typ := pager.PageTypeOf(f.Buf)
	var children []PageID
	if typ == pager.PageTypeRptInner {
		ip, err := WrapInnerPage(f.Buf)
		if err != nil {
			c.pager.Release(f)
			return err
		}
		for _, e := range ip.Entries() {
			children = append(children, e.Child)
		}
	}
	c.pager.Release(f)

	for _, child := range children {
		if err := c.deleteSubtree(child); err != nil {
			return err
		}
	}

	f, err = c.pager.Get(pgno)
	if err != nil {
		return err
	}
	return c.pager.DeleteAndRelease(f)
}

// ───────────────────────────────────────────────────────────────────────────
// Strided read / write / remove
// ───────────────────────────────────────────────────────────────────────────

// Read gathers elements described by stride into dest.
// dest must be at least size*stride.Nelems bytes.
func (c *Tree) Read(dest []byte, size int, stride Stride) error {
	if err := stride.Validate(int64(size)); err != nil {
		return err
	}
	c.state = StateDLReading
	defer func() { c.state = StateSeeked }()

	var cachedLeaf PageID
	var cachedPayload []byte
	var cachedBase int64

	for i := int64(0); i < stride.Nelems; i++ {
		off := stride.Offset(i)
		if off < 0 || off+int64(size) > c.totalSize {
			return fmt.Errorf("%w: rptree: read: element %d at offset %d out of range [0,%d]", engineerr.ErrInvalidArgument, i, off, c.totalSize)
		}
		if cachedPayload == nil || off < cachedBase || off+int64(size) > cachedBase+int64(len(cachedPayload)) {
			_, leaf, localOff, err := c.descend(off)
			if err != nil {
				return err
			}
			f, err := c.pager.Get(leaf)
			if err != nil {
				return err
			}
			lp, err := WrapLeafPage(f.Buf)
			if err != nil {
				c.pager.Release(f)
				return err
			}
			cachedPayload = append([]byte(nil), lp.Payload()...)
			cachedBase = off - localOff
			cachedLeaf = leaf
			c.pager.Release(f)
		}
		_ = cachedLeaf
		start := off - cachedBase
		copy(dest[i*int64(size):(i+1)*int64(size)], cachedPayload[start:start+int64(size)])
	}
	return nil
}

// Write overwrites elements described by stride in place.
// Every element must already lie within [0, total_size): Write never
// grows the sequence — use Insert for that.
func (c *Tree) Write(src []byte, size int, stride Stride) error {
	tid, err := c.requireBound()
	if err != nil {
		return err
	}
	if err := stride.Validate(int64(size)); err != nil {
		return err
	}
	c.state = StateDLWriting
	defer func() { c.state = StateSeeked }()

	for i := int64(0); i < stride.Nelems; i++ {
		off := stride.Offset(i)
		if off < 0 || off+int64(size) > c.totalSize {
			return fmt.Errorf("%w: rptree: write: element %d at offset %d out of range [0,%d]", engineerr.ErrInvalidArgument, i, off, c.totalSize)
		}
		_, leaf, localOff, err := c.descend(off)
		if err != nil {
			return err
		}
		elem := src[i*int64(size) : (i+1)*int64(size)]
		if err := c.txn.Update(tid, leaf, func(buf []byte) {
			lp, _ := WrapLeafPage(buf)
			payload := lp.Payload()
			copy(payload[localOff:localOff+int64(size)], elem)
			_ = lp.SetPayload(payload)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Remove gathers (if dest is non-nil) then deletes the elements
// described by stride, compacting each affected leaf. To
// keep offsets stable while deleting multiple elements, it processes
// them from the highest offset to the lowest.
func (c *Tree) Remove(dest []byte, size int, stride Stride) error {
	tid, err := c.requireBound()
	if err != nil {
		return err
	}
	if err := stride.Validate(int64(size)); err != nil {
		return err
	}
	c.state = StateDLRemoving
	defer func() { c.state = StateSeeked }()

	if dest != nil {
		if err := c.Read(dest, size, stride); err != nil {
			return err
		}
	}

	for i := stride.Nelems - 1; i >= 0; i-- {
		off := stride.Offset(i)
		if off < 0 || off+int64(size) > c.totalSize {
			return fmt.Errorf("%w: rptree: remove: element %d at offset %d out of range [0,%d]", engineerr.ErrInvalidArgument, i, off, c.totalSize)
		}
		if err := c.removeRange(tid, off, int64(size)); err != nil {
			return err
		}
	}
	return nil
}

// removeRange deletes length bytes at offset, compacting the owning
// leaf and, if the leaf empties out entirely (and isn't the tree's
// root), unlinking it from its siblings and the parent's routing entry.
// Underflow below a fill-factor threshold is not otherwise rebalanced
// (no borrow-from-sibling): a deliberate simplification over a full
// merge/borrow scheme, traded for simpler, easier-to-reason-about code.
// See DESIGN.md.
func (c *Tree) removeRange(tid TxID, offset, length int64) error {
	path, leaf, localOff, err := c.descend(offset)
	if err != nil {
		return err
	}

	var becameEmpty bool
	if err := c.txn.Update(tid, leaf, func(buf []byte) {
		lp, _ := WrapLeafPage(buf)
		_ = lp.DeleteRange(int(localOff), int(length))
		becameEmpty = lp.Used() == 0
	}); err != nil {
		return err
	}

	if err := c.propagate(tid, path, 0, 0, -length); err != nil {
		return err
	}
	c.totalSize -= length

	if becameEmpty && len(path) > 0 {
		if err := c.unlinkEmptyLeaf(tid, path, leaf); err != nil {
			return err
		}
	}
	return nil
}

// unlinkEmptyLeaf removes a leaf that has gone fully empty from the
// sibling chain and its parent's routing entries, then returns the page
// to the tombstone free list.
func (c *Tree) unlinkEmptyLeaf(tid TxID, path []pathStep, leaf PageID) error {
	var prev, next PageID
	if err := c.txn.Update(tid, leaf, func(buf []byte) {
		lp, _ := WrapLeafPage(buf)
		prev, next = lp.Prev(), lp.Next()
	}); err != nil {
		return err
	}
	if prev != pager.InvalidPageID {
		if err := c.txn.Update(tid, prev, func(buf []byte) {
			lp, _ := WrapLeafPage(buf)
			lp.SetNext(next)
		}); err != nil {
			return err
		}
	}
	if next != pager.InvalidPageID {
		if err := c.txn.Update(tid, next, func(buf []byte) {
			lp, _ := WrapLeafPage(buf)
			lp.SetPrev(prev)
		}); err != nil {
			return err
		}
	}

	parent := path[len(path)-1]
	f, err := c.pager.Get(parent.pgno)
	if err != nil {
		return err
	}
	ip, err := WrapInnerPage(f.Buf)
	if err != nil {
		c.pager.Release(f)
		return err
	}
	entries := append([]Entry(nil), ip.Entries()...)
	c.pager.Release(f)

	if len(entries) <= 1 {
		// Keep the last child around rather than leaving a routing page
		// with zero entries; an empty-but-present leaf is harmless.
		return nil
	}
	entries = append(entries[:parent.idx], entries[parent.idx+1:]...)
	if err := c.txn.Update(tid, parent.pgno, func(buf []byte) {
		ip, _ := WrapInnerPage(buf)
		_ = ip.SetEntries(entries)
	}); err != nil {
		return err
	}

	f, err = c.pager.Get(leaf)
	if err != nil {
		return err
	}
	return c.pager.DeleteAndRelease(f)
}
