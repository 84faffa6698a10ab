// Package engineerr defines the engine's error taxonomy: a
// small set of sentinel Kind values every layer wraps its errors around
// with fmt.Errorf's %w, so callers can classify a failure with
// errors.Is regardless of which package produced it.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error classification shared across the engine.
type Kind int

const (
	KindIO Kind = iota
	KindCorrupt
	KindInvalidArgument
	KindNoMem
	KindArith
	KindSyntax
	KindInterp
	KindPagerFull
	KindTooManyFiles
	KindDuplicateCommit
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IO"
	case KindCorrupt:
		return "Corrupt"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNoMem:
		return "NoMem"
	case KindArith:
		return "Arith"
	case KindSyntax:
		return "Syntax"
	case KindInterp:
		return "Interp"
	case KindPagerFull:
		return "PagerFull"
	case KindTooManyFiles:
		return "TooManyFiles"
	case KindDuplicateCommit:
		return "DuplicateCommit"
	default:
		return "Unknown"
	}
}

// Sentinel errors callers match with errors.Is. Each is associated with
// a Kind via KindOf.
var (
	ErrIO              = errors.New("io error")
	ErrCorrupt         = errors.New("corrupt")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoMem           = errors.New("out of memory")
	ErrArith           = errors.New("arithmetic error")
	ErrSyntax          = errors.New("syntax error")
	ErrInterp          = errors.New("interpreter error")
	ErrPagerFull       = errors.New("pager full")
	ErrTooManyFiles    = errors.New("too many open files")
	ErrDuplicateCommit = errors.New("duplicate commit")

	// ErrNoSuchTxn and ErrTxnNotRunning are engine-level refinements on
	// top of ErrInvalidArgument rather than distinct spec Kinds.
	ErrNoSuchTxn     = fmt.Errorf("%w: no such transaction", ErrInvalidArgument)
	ErrTxnNotRunning = fmt.Errorf("%w: transaction is not running", ErrInvalidArgument)
)

var kindOf = map[error]Kind{
	ErrIO:              KindIO,
	ErrCorrupt:         KindCorrupt,
	ErrInvalidArgument: KindInvalidArgument,
	ErrNoMem:           KindNoMem,
	ErrArith:           KindArith,
	ErrSyntax:          KindSyntax,
	ErrInterp:          KindInterp,
	ErrPagerFull:       KindPagerFull,
	ErrTooManyFiles:    KindTooManyFiles,
	ErrDuplicateCommit: KindDuplicateCommit,
}

// KindOf classifies err by walking its wrap chain for a known sentinel,
// defaulting to KindIO (the least surprising default for an
// unclassified I/O-adjacent failure in this engine).
func KindOf(err error) Kind {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindIO
}

// Carrier optionally aborts the process on the first error it observes
// instead of returning it, for tests that want a hard stop the moment
// anything goes wrong rather than threading errors through assertions.
type Carrier struct {
	AbortOnFailure bool
}

// Check panics when c.AbortOnFailure is set and err is non-nil;
// otherwise it is a no-op and the caller handles err normally.
func (c *Carrier) Check(err error) {
	if err != nil && c.AbortOnFailure {
		panic(err)
	}
}
