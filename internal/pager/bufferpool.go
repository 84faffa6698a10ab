package pager

import (
	"fmt"
	"sync"

	"github.com/numstore/numstore/internal/engineerr"
)

// ───────────────────────────────────────────────────────────────────────────
// Buffer pool
// ───────────────────────────────────────────────────────────────────────────
//
// A fixed array of MEMORY_PAGE_LEN page frames and a clock hand. A hash
// index maps pgno to the frame slot currently holding it. Concurrency
// contract: a coarse latch (bp.mu) protects the clock cursor,
// the pgno→slot index, and frame flag edits; per-frame pin counts are
// mutated only while bp.mu is held. Coarser than per-frame latches, but
// it preserves the required ordering (pool before frame) trivially
// since there is only one latch.

// FlushFunc flushes a dirty frame's S-image to the file pager, honoring
// the WAL rule (the caller must have already forced the WAL up to the
// frame's page-LSN). Supplied by Pager so BufferPool stays ignorant of
// the WAL and file pager.
type FlushFunc func(f *PageFrame) error

// BufferPool is a clock-sweep page cache with X/S shadowing.
type BufferPool struct {
	mu     sync.Mutex
	frames []PageFrame
	index  map[PageID]int // pgno -> slot, present frames only
	clock  int
}

// NewBufferPool allocates a pool of n frames (MEMORY_PAGE_LEN by default).
func NewBufferPool(n int) *BufferPool {
	if n <= 0 {
		n = 20
	}
	frames := make([]PageFrame, n)
	return &BufferPool{
		frames: frames,
		index:  make(map[PageID]int, n),
	}
}

// Lookup returns the slot currently holding pgno, if present.
func (bp *BufferPool) Lookup(pgno PageID) (int, bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	slot, ok := bp.index[pgno]
	return slot, ok
}

// Frame returns a pointer to the frame at slot. Callers must hold no
// assumption of exclusivity; BufferPool serializes all mutation through
// its own methods.
func (bp *BufferPool) Frame(slot int) *PageFrame { return &bp.frames[slot] }

// Lock/Unlock expose the pool latch so Pager can perform multi-step
// operations (reserve+install, or make-writable+link) atomically
// without a second lock layer.
func (bp *BufferPool) Lock()   { bp.mu.Lock() }
func (bp *BufferPool) Unlock() { bp.mu.Unlock() }

// Install records that slot now holds pgno and is present. Caller must
// hold the pool lock.
func (bp *BufferPool) Install(slot int, pgno PageID) {
	bp.index[pgno] = slot
	bp.frames[slot].Pgno = pgno
	bp.frames[slot].Flags |= FlagPresent
}

// Uninstall removes a slot's pgno from the index (used by Delete and by
// eviction). Caller must hold the pool lock.
func (bp *BufferPool) Uninstall(pgno PageID) {
	delete(bp.index, pgno)
}

// Reserve finds a free frame for a new page, evicting via clock-sweep if
// every slot is occupied. At most 2*len(frames) steps are examined per
// sweep; flush is invoked for any dirty victim before it is reused.
// Returns the reserved (now-reset) slot index.
func (bp *BufferPool) Reserve(flush FlushFunc) (int, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.reserveLocked(flush)
}

func (bp *BufferPool) reserveLocked(flush FlushFunc) (int, error) {
	n := len(bp.frames)
	for i := range bp.frames {
		if bp.frames[i].Flags&FlagPresent == 0 {
			return i, nil
		}
	}
	steps := 2 * n
	for steps > 0 {
		steps--
		slot := bp.clock
		bp.clock = (bp.clock + 1) % n
		f := &bp.frames[slot]
		if f.Flags&FlagPresent == 0 {
			return slot, nil
		}
		if f.Pin > 0 {
			continue
		}
		if f.Flags&FlagAccess != 0 {
			f.Flags &^= FlagAccess
			continue
		}
		// Evict: flush if dirty (WAL rule enforced by the caller-supplied
		// flush func), then drop it from the index.
		if f.Flags&FlagDirty != 0 {
			bp.mu.Unlock()
			err := flush(f)
			bp.mu.Lock()
			if err != nil {
				return -1, fmt.Errorf("pager: evict flush page %d: %w", f.Pgno, err)
			}
		}
		bp.Uninstall(f.Pgno)
		f.Reset()
		return slot, nil
	}
	return -1, fmt.Errorf("pager: %w: no evictable frame after %d steps", engineerr.ErrPagerFull, n*2)
}

// DirtyFrames returns every present-and-dirty frame's slot index, used by
// checkpoint to flush everything unpinned.
func (bp *BufferPool) DirtyFrames() []int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	var out []int
	for i := range bp.frames {
		f := &bp.frames[i]
		if f.Flags&FlagPresent != 0 && f.Flags&FlagDirty != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Len reports the configured frame count (MEMORY_PAGE_LEN).
func (bp *BufferPool) Len() int { return len(bp.frames) }
