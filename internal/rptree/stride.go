package rptree

import (
	"fmt"

	"github.com/numstore/numstore/internal/engineerr"
)

// Stride describes a strided element sequence over a tree's byte
// sequence: element i sits at byte offset
// Start + i*Step for i in [0, Nelems), each Size bytes long. Write/Read/
// Remove operate on one Stride at a time; Insert is a plain byte-offset
// splice and does not take one.
type Stride struct {
	Start  int64
	Step   int64
	Nelems int64
}

// Validate rejects strides that would produce overlapping or
// out-of-order elements, which the tree's element-at-a-time walk
// assumes never happens.
func (s Stride) Validate(size int64) error {
	if s.Nelems < 0 {
		return fmt.Errorf("%w: rptree: stride nelems %d is negative", engineerr.ErrInvalidArgument, s.Nelems)
	}
	if s.Nelems == 0 {
		return nil
	}
	if size <= 0 {
		return fmt.Errorf("%w: rptree: stride element size %d must be positive", engineerr.ErrInvalidArgument, size)
	}
	if s.Step < size {
		return fmt.Errorf("%w: rptree: stride step %d smaller than element size %d would overlap elements", engineerr.ErrInvalidArgument, s.Step, size)
	}
	if s.Start < 0 {
		return fmt.Errorf("%w: rptree: stride start %d is negative", engineerr.ErrInvalidArgument, s.Start)
	}
	return nil
}

// Offset returns the byte offset of the i'th element.
func (s Stride) Offset(i int64) int64 { return s.Start + i*s.Step }
