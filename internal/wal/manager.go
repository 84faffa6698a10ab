package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ───────────────────────────────────────────────────────────────────────────
// Segmented WAL manager
// ───────────────────────────────────────────────────────────────────────────
//
// The log is a sequence of fixed-size segment files named
// <base>.<instance-uuid>.<NNNN>.seg, each capped at SegmentSize bytes
// (default 16 MiB). The instance id distinguishes segments from
// different engine opens of the same path so a stale segment left behind
// by an unclean shutdown is never mistaken for the current generation's
// tail; recovery's analysis pass only ever reads the generation this
// Manager was opened on (see Manager.Generation and OpenGeneration).

const DefaultSegmentSize int64 = 16 << 20

// Manager appends ARIES records to segment files and flushes them to
// disk on demand, enforcing the WAL rule for package pager.
type Manager struct {
	mu sync.Mutex

	dir         string
	base        string
	generation  uuid.UUID
	segmentSize int64

	cur      *os.File
	curNo    int
	curOff   int64
	synced   int64 // bytes of cur already fsynced
	nextLSN  LSN
	lastByTx map[TxID]LSN

	// index maps every LSN appended through this Manager instance to its
	// segment and byte offset, enabling ReadAt's random access. It only
	// covers records appended in the current process lifetime; recovery
	// after a crash instead walks segments sequentially with NewReader,
	// which needs no index.
	index map[LSN]recordLoc
}

type recordLoc struct {
	segNo  int
	offset int64
}

// Open creates a fresh WAL generation rooted at dir/base. Recovery scans
// an existing generation by calling OpenGeneration instead.
func Open(dir, base string, segmentSize int64) (*Manager, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", dir, err)
	}
	m := &Manager{
		dir:         dir,
		base:        base,
		generation:  uuid.New(),
		segmentSize: segmentSize,
		nextLSN:     1,
		lastByTx:    make(map[TxID]LSN),
		index:       make(map[LSN]recordLoc),
	}
	if err := m.rollSegment(); err != nil {
		return nil, err
	}
	return m, nil
}

// OpenGeneration reopens the most recent WAL generation found under dir
// for base, appending to its last segment. Used when an engine reopens
// an existing database file; recovery reads the same generation's
// segments from the start before this Manager resumes appending.
func OpenGeneration(dir, base string, segmentSize int64) (*Manager, error) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	segs, err := listSegments(dir, base)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return Open(dir, base, segmentSize)
	}
	gen := segs[len(segs)-1].generation
	var mine []segmentFile
	for _, s := range segs {
		if s.generation == gen {
			mine = append(mine, s)
		}
	}
	last := mine[len(mine)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: reopen segment %s: %w", last.path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat segment %s: %w", last.path, err)
	}
	m := &Manager{
		dir:         dir,
		base:        base,
		generation:  gen,
		segmentSize: segmentSize,
		cur:         f,
		curNo:       last.seq,
		curOff:      fi.Size(),
		synced:      fi.Size(),
		nextLSN:     1,
		lastByTx:    make(map[TxID]LSN),
		index:       make(map[LSN]recordLoc),
	}
	return m, nil
}

// Generation reports the current WAL generation id, embedded in every
// segment filename this Manager writes.
func (m *Manager) Generation() uuid.UUID {
	return m.generation
}

type segmentFile struct {
	path       string
	generation uuid.UUID
	seq        int
}

func listSegments(dir, base string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list %s: %w", dir, err)
	}
	prefix := base + "."
	var out []segmentFile
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".seg") {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".seg")
		parts := strings.Split(rest, ".")
		if len(parts) != 2 {
			continue
		}
		gen, err := uuid.Parse(parts[0])
		if err != nil {
			continue
		}
		seq, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		out = append(out, segmentFile{path: filepath.Join(dir, name), generation: gen, seq: seq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].generation != out[j].generation {
			return out[i].generation.String() < out[j].generation.String()
		}
		return out[i].seq < out[j].seq
	})
	return out, nil
}

func (m *Manager) segmentPath(seq int) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%s.%04d.seg", m.base, m.generation, seq))
}

func (m *Manager) rollSegment() error {
	if m.cur != nil {
		if err := m.cur.Sync(); err != nil {
			return fmt.Errorf("wal: fsync segment: %w", err)
		}
		if err := m.cur.Close(); err != nil {
			return fmt.Errorf("wal: close segment: %w", err)
		}
		m.curNo++
	}
	f, err := os.OpenFile(m.segmentPath(m.curNo), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment: %w", err)
	}
	m.cur = f
	m.curOff = 0
	m.synced = 0
	return nil
}

// Append assigns the next LSN, chains PrevLSN from the transaction's
// last record, serializes rec, and writes it to the current segment,
// rolling to a new segment first if it would not fit. Returns the
// assigned LSN.
func (m *Manager) Append(rec *Record) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.LSN = m.nextLSN
	m.nextLSN++
	if rec.Type != RecordCkptBegin && rec.Type != RecordCkptEnd {
		rec.PrevLSN = m.lastByTx[rec.TxID]
		m.lastByTx[rec.TxID] = rec.LSN
	}
	data := marshal(rec)

	if m.curOff > 0 && m.curOff+int64(len(data)) > m.segmentSize {
		if err := m.rollSegment(); err != nil {
			return 0, err
		}
	}
	m.index[rec.LSN] = recordLoc{segNo: m.curNo, offset: m.curOff}
	n, err := m.cur.WriteAt(data, m.curOff)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	m.curOff += int64(n)
	return rec.LSN, nil
}

// ReadAt returns the record at lsn, if it
// was appended through this Manager instance. Crash recovery does not
// use ReadAt: it scans segments from the start with NewReader instead,
// since the index above does not survive a process restart.
func (m *Manager) ReadAt(lsn LSN) (*Record, error) {
	m.mu.Lock()
	loc, ok := m.index[lsn]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wal: no record at LSN %d in this generation's in-memory index", lsn)
	}
	f, err := os.Open(m.segmentPath(loc.segNo))
	if err != nil {
		return nil, fmt.Errorf("wal: read entry %d: %w", lsn, err)
	}
	defer f.Close()
	if _, err := f.Seek(loc.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: read entry %d: %w", lsn, err)
	}
	rec, err := readRecord(f)
	if err != nil {
		return nil, fmt.Errorf("wal: read entry %d: %w", lsn, err)
	}
	return rec, nil
}

// FlushTo fsyncs the current segment if it might hold an unsynced record
// with LSN <= lsn. A segment is fsynced before rollSegment closes it, so
// only the current segment can hold unsynced records, and flushing it
// satisfies every such request; lsn==0 is a no-op (nothing to force).
func (m *Manager) FlushTo(lsn LSN) error {
	if lsn == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.curOff == m.synced {
		return nil
	}
	if err := m.cur.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	m.synced = m.curOff
	return nil
}

// Close flushes and closes the current segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cur.Sync(); err != nil {
		return err
	}
	return m.cur.Close()
}

// NextLSN reports the LSN that will be assigned to the next appended
// record.
func (m *Manager) NextLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// SetNextLSN lets recovery resume LSN assignment after the highest LSN
// observed during analysis.
func (m *Manager) SetNextLSN(lsn LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLSN = lsn
}

// Reader streams records from the start of the current generation's
// segments in order, for recovery's analysis and redo passes.
type Reader struct {
	segs []segmentFile
	idx  int
	f    *os.File
}

// NewReader opens a reader over every segment belonging to m's
// generation, from the first.
func (m *Manager) NewReader() (*Reader, error) {
	segs, err := listSegments(m.dir, m.base)
	if err != nil {
		return nil, err
	}
	var mine []segmentFile
	for _, s := range segs {
		if s.generation == m.generation {
			mine = append(mine, s)
		}
	}
	return &Reader{segs: mine}, nil
}

// Next returns the next record in LSN order, or io.EOF when every
// segment has been fully consumed. A torn trailing record (the expected
// shape of an unclean crash) also ends iteration via io.EOF rather than
// propagating an error.
func (r *Reader) Next() (*Record, error) {
	for {
		if r.f == nil {
			if r.idx >= len(r.segs) {
				return nil, io.EOF
			}
			f, err := os.Open(r.segs[r.idx].path)
			if err != nil {
				return nil, fmt.Errorf("wal: open segment %s: %w", r.segs[r.idx].path, err)
			}
			r.f = f
		}
		rec, err := readRecord(r.f)
		if err != nil {
			r.f.Close()
			r.f = nil
			r.idx++
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				continue
			}
			return nil, err
		}
		return rec, nil
	}
}

// Close releases the reader's currently open segment, if any.
func (r *Reader) Close() error {
	if r.f != nil {
		return r.f.Close()
	}
	return nil
}
