package pager

import (
	"fmt"
	"io"
	"os"

	"github.com/numstore/numstore/internal/engineerr"
)

// ───────────────────────────────────────────────────────────────────────────
// File pager
// ───────────────────────────────────────────────────────────────────────────
//
// FilePager owns the on-disk database file: fixed-size pages, page 0 is
// always the root. It knows nothing about buffering, WAL, or page
// semantics beyond size and CRC — that belongs to BufferPool and Pager.

// File is the file-level page store.
type File struct {
	f        *os.File
	pageSize int
}

// OpenFile opens (creating if absent) the database file at path. If the
// file is newly created, a root page is written as page 0.
func OpenFile(path string, pageSize int) (*File, bool, error) {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, false, fmt.Errorf("pager: invalid page size %d", pageSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("pager: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("pager: stat %s: %w", path, err)
	}
	created := fi.Size() == 0
	if fi.Size()%int64(pageSize) != 0 {
		f.Close()
		return nil, false, fmt.Errorf("pager: %s: %w: size %d is not a multiple of page size %d", path, engineerr.ErrCorrupt, fi.Size(), pageSize)
	}
	fp := &File{f: f, pageSize: pageSize}
	if created {
		root := MarshalRootPage(NewRootPage(), pageSize)
		if err := fp.WritePage(RootPageID, root); err != nil {
			f.Close()
			return nil, false, err
		}
		if err := fp.Sync(); err != nil {
			f.Close()
			return nil, false, err
		}
	}
	return fp, created, nil
}

// NPages reports the number of pages currently in the file.
func (fp *File) NPages() (PageID, error) {
	fi, err := fp.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("pager: stat: %w", err)
	}
	return PageID(fi.Size() / int64(fp.pageSize)), nil
}

// ReadPage reads page pgno into dest, which must be exactly PageSize long.
func (fp *File) ReadPage(pgno PageID, dest []byte) error {
	if len(dest) != fp.pageSize {
		return fmt.Errorf("pager: read page %d: dest buffer is %d bytes, want %d", pgno, len(dest), fp.pageSize)
	}
	off := int64(pgno) * int64(fp.pageSize)
	n, err := fp.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("pager: read page %d: %w", pgno, err)
	}
	if n != fp.pageSize {
		return fmt.Errorf("pager: read page %d: %w: short read (%d of %d bytes)", pgno, engineerr.ErrCorrupt, n, fp.pageSize)
	}
	return nil
}

// WritePage writes src (exactly PageSize bytes) to page pgno, extending
// the file if pgno is beyond the current end.
func (fp *File) WritePage(pgno PageID, src []byte) error {
	if len(src) != fp.pageSize {
		return fmt.Errorf("pager: write page %d: src buffer is %d bytes, want %d", pgno, len(src), fp.pageSize)
	}
	off := int64(pgno) * int64(fp.pageSize)
	if _, err := fp.f.WriteAt(src, off); err != nil {
		return fmt.Errorf("pager: write page %d: %w", pgno, err)
	}
	return nil
}

// Extend grows the file by one page, zero-filled, and returns its pgno.
func (fp *File) Extend() (PageID, error) {
	n, err := fp.NPages()
	if err != nil {
		return 0, err
	}
	blank := make([]byte, fp.pageSize)
	if err := fp.WritePage(n, blank); err != nil {
		return 0, err
	}
	return n, nil
}

// Sync forces the file's contents to stable storage.
func (fp *File) Sync() error {
	if err := fp.f.Sync(); err != nil {
		return fmt.Errorf("pager: fsync: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (fp *File) Close() error {
	return fp.f.Close()
}

// PageSize reports the configured page size.
func (fp *File) PageSize() int { return fp.pageSize }
