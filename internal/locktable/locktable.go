// Package locktable implements hierarchical multi-granularity locking
//: IS/IX/S/SIX/X modes over a fixed resource hierarchy
// rooted at DB, with intention locks automatically acquired on every
// ancestor before the requested node is locked.
package locktable

import (
	"sync"

	"github.com/numstore/numstore/internal/hashtable"
	"github.com/numstore/numstore/internal/pager"
)

type TxID = pager.TxID
type PageID = pager.PageID

// Mode is a lock mode in the standard multi-granularity lattice.
type Mode uint8

const (
	ModeIS Mode = iota
	ModeIX
	ModeS
	ModeSIX
	ModeX
)

func (m Mode) String() string {
	switch m {
	case ModeIS:
		return "IS"
	case ModeIX:
		return "IX"
	case ModeS:
		return "S"
	case ModeSIX:
		return "SIX"
	case ModeX:
		return "X"
	default:
		return "?"
	}
}

// compatible[held][requested] — the standard IS/IX/S/SIX/X matrix.
var compatible = [5][5]bool{
	//          IS     IX     S      SIX    X
	/*IS*/ {true, true, true, true, false},
	/*IX*/ {true, true, false, false, false},
	/*S*/ {true, false, true, false, false},
	/*SIX*/ {true, false, false, false, false},
	/*X*/ {false, false, false, false, false},
}

// ParentMode returns the intention mode a lock on a child node in mode m
// requires on every ancestor: IS/S need only IS; IX/SIX/X need IX
//.
func ParentMode(m Mode) Mode {
	switch m {
	case ModeIS, ModeS:
		return ModeIS
	default:
		return ModeIX
	}
}

// ResourceType is a node in the lock hierarchy.
type ResourceType uint8

const (
	ResourceDB ResourceType = iota
	ResourceRoot
	ResourceFstmbst
	ResourceMslsn
	ResourceVhp
	ResourceVhpos
	ResourceVar
	ResourceVarNext
	ResourceRptree
	ResourceTmbst
)

// parentOf mirrors the source's static parent_lock table; DB has no
// entry, which marks it as the root of the hierarchy.
var parentOf = map[ResourceType]ResourceType{
	ResourceRoot:    ResourceDB,
	ResourceFstmbst: ResourceRoot,
	ResourceMslsn:   ResourceRoot,
	ResourceVhp:     ResourceDB,
	ResourceVhpos:   ResourceVhp,
	ResourceVar:     ResourceDB,
	ResourceVarNext: ResourceVar,
	ResourceRptree:  ResourceDB,
	ResourceTmbst:   ResourceDB,
}

// ResourceID names one lock-table node: its type plus the data that
// distinguishes instances of VHPOS/VAR/VAR_NEXT/RPTREE/TMBST (all other
// types are singletons within a database).
type ResourceID struct {
	Type ResourceType
	Data PageID
}

func (r ResourceID) key() uint64 {
	return hashtable.HashUint64(uint64(r.Type)<<40 | uint64(r.Data))
}

// grLock is the shared lock object for one resource: each holder's mode
// and their combined grant, with waiters parked on cond until compatible.
type grLock struct {
	cond    *sync.Cond
	holders map[TxID]Mode
	granted Mode // the join (least upper bound) of all current holders' modes
}

func newGrLock(mu *sync.Mutex) *grLock {
	return &grLock{cond: sync.NewCond(mu), holders: make(map[TxID]Mode)}
}

// joinMode returns the strongest of a and b in the lattice IS < IX,S <
// SIX < X used to track what a grLock's combined grant currently is.
func joinMode(a, b Mode) Mode {
	rank := func(m Mode) int {
		switch m {
		case ModeIS:
			return 0
		case ModeIX, ModeS:
			return 1
		case ModeSIX:
			return 2
		default:
			return 3
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func (g *grLock) compatibleWith(m Mode) bool {
	if len(g.holders) == 0 {
		return true
	}
	return compatible[g.granted][m]
}

// Handle is one transaction's hold on one resource.
type Handle struct {
	Resource ResourceID
	Mode     Mode
	lock     *grLock
}

// Table is the lock table: one grLock per distinct (type, data) key,
// indexed in the shared adaptive hash table, plus the per-transaction
// handle lists callers use to release everything at commit/abort.
type Table struct {
	mu    sync.Mutex
	locks *hashtable.Table[ResourceID, *grLock]
	refs  map[ResourceID]int // holder-or-waiter count, for destroying on last release

	txHandles map[TxID][]*Handle
}

// DefaultSettings mirrors the lock-table hash tunables
// (min=10, max=2048, rehash_work=28, min_lf=0.1, max_lf=0.8).
func DefaultSettings() hashtable.Settings {
	return hashtable.Settings{MinSize: 10, MaxSize: 2048, RehashingWork: 28, MinLoadFactor: 0.1, MaxLoadFactor: 0.8}
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return NewTableWithSettings(DefaultSettings())
}

// NewTableWithSettings builds a lock table over a caller-supplied hash
// table configuration, for engines that load internal/config overrides.
func NewTableWithSettings(settings hashtable.Settings) *Table {
	return &Table{
		locks:     hashtable.New[ResourceID, *grLock](settings, func(r ResourceID) uint64 { return r.key() }),
		refs:      make(map[ResourceID]int),
		txHandles: make(map[TxID][]*Handle),
	}
}

// Lock acquires (type, data, mode) for tid, first recursively acquiring
// every ancestor in its parent-derived mode. Idempotent:
// re-locking a resource tid already holds in a mode at least as strong
// as the request coalesces rather than blocking on itself; a stronger
// request upgrades the held handle.
func (t *Table) Lock(tid TxID, rtype ResourceType, data PageID, mode Mode) error {
	if parent, ok := parentOf[rtype]; ok {
		parentData := data
		if parent != ResourceVar {
			// DB, ROOT and VHP are singletons; only VAR is keyed per instance.
			parentData = 0
		}
		if err := t.Lock(tid, parent, parentData, ParentMode(mode)); err != nil {
			return err
		}
	}
	return t.lockOnce(tid, ResourceID{Type: rtype, Data: data}, mode)
}

func (t *Table) lockOnce(tid TxID, res ResourceID, mode Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.txHandles[tid] {
		if h.Resource == res {
			// The held mode already covers the request: nothing to upgrade.
			if h.Mode == mode || h.Mode == ModeX || mode == ModeIS ||
				(h.Mode == ModeSIX && (mode == ModeIX || mode == ModeS)) {
				return nil
			}
			return t.upgradeLocked(tid, h, mode)
		}
	}

	gl, ok := t.locks.Lookup(res)
	if !ok {
		gl = newGrLock(&t.mu)
		t.locks.Insert(res, gl)
	}
	t.refs[res]++

	for !gl.compatibleWith(mode) {
		gl.cond.Wait()
	}
	gl.holders[tid] = mode
	gl.granted = joinMode(gl.granted, mode)

	h := &Handle{Resource: res, Mode: mode, lock: gl}
	t.txHandles[tid] = append(t.txHandles[tid], h)
	return nil
}

// upgradeLocked raises an already-held handle to a stronger mode. It
// blocks on the same grLock until every OTHER holder is compatible with
// the stronger mode; tid's own hold is skipped in that check, so a sole
// holder upgrades without waiting.
func (t *Table) upgradeLocked(tid TxID, h *Handle, mode Mode) error {
	gl := h.lock
	delete(gl.holders, tid)
	gl.holders[tid] = mode
	for {
		joined := ModeIS
		for _, m := range gl.holders {
			joined = joinMode(joined, m)
		}
		gl.granted = joined
		compatibleWithOthers := true
		for otherTid, m := range gl.holders {
			if otherTid == tid {
				continue
			}
			if !compatible[m][mode] {
				compatibleWithOthers = false
				break
			}
		}
		if compatibleWithOthers {
			break
		}
		gl.cond.Wait()
	}
	h.Mode = mode
	return nil
}

// ReleaseAll drops every lock tid holds. A grLock with no remaining holders
// or waiters is removed from the table.
func (t *Table) ReleaseAll(tid TxID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	handles := t.txHandles[tid]
	delete(t.txHandles, tid)
	for _, h := range handles {
		gl := h.lock
		delete(gl.holders, tid)
		joined := ModeIS
		any := false
		for _, m := range gl.holders {
			joined = joinMode(joined, m)
			any = true
		}
		if any {
			gl.granted = joined
		}
		gl.cond.Broadcast()

		t.refs[h.Resource]--
		if t.refs[h.Resource] <= 0 {
			t.locks.Delete(h.Resource)
			delete(t.refs, h.Resource)
		}
	}
}

// Held reports the mode tid currently holds on a resource, if any.
func (t *Table) Held(tid TxID, rtype ResourceType, data PageID) (Mode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.txHandles[tid] {
		if h.Resource.Type == rtype && h.Resource.Data == data {
			return h.Mode, true
		}
	}
	return 0, false
}
