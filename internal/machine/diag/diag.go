// Package diag defines the structured diagnostics the engine emits.
//
// A diagnostic is data, not text: kind, source location, thread,
// allocation, byte range, and, for races, both conflicting accesses.
// Rendering to a terminal is the caller's concern; the engine only
// guarantees that a run's diagnostic sequence is deterministic for a
// fixed trace, strategy and seed.
package diag

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies a detected undefined behavior.
type Kind uint8

const (
	// KindNone is the zero value and never appears in an emitted diagnostic.
	KindNone Kind = iota

	// UninitializedRead is a read covering at least one never-written byte.
	UninitializedRead

	// UseAfterFree is an access through a pointer whose provenance names a
	// freed or unknown allocation.
	UseAfterFree

	// DoubleFree is a deallocation of an already-freed allocation.
	DoubleFree

	// OutOfBounds is an access whose byte range exceeds the allocation.
	OutOfBounds

	// BorrowViolation is an access or reborrow that breaks the aliasing
	// discipline recorded in the allocation's borrow stack.
	BorrowViolation

	// MisalignedAccess is a typed access at an address not divisible by the
	// type's required alignment.
	MisalignedAccess

	// DataRace is a pair of unordered conflicting accesses, at least one of
	// which is a write.
	DataRace
)

var kindNames = [...]string{
	KindNone:          "None",
	UninitializedRead: "UninitializedRead",
	UseAfterFree:      "UseAfterFree",
	DoubleFree:        "DoubleFree",
	OutOfBounds:       "OutOfBounds",
	BorrowViolation:   "BorrowViolation",
	MisalignedAccess:  "MisalignedAccess",
	DataRace:          "DataRace",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// AccessKind distinguishes reads from writes in race diagnostics.
type AccessKind uint8

const (
	// AccessRead is a memory read.
	AccessRead AccessKind = iota
	// AccessWrite is a memory write. Deallocation counts as a write for
	// race purposes.
	AccessWrite
)

func (a AccessKind) String() string {
	if a == AccessWrite {
		return "Write"
	}
	return "Read"
}

// Access describes one side of a data race.
type Access struct {
	// Thread is the logical thread id of the access.
	Thread int

	// Kind is Read or Write.
	Kind AccessKind

	// Clock is the accessing thread's own clock value at the access.
	Clock uint32
}

func (a Access) String() string {
	return fmt.Sprintf("%s by thread %d at clock %d", a.Kind, a.Thread, a.Clock)
}

// Diagnostic is one detected violation. All violations are fatal to the
// faulting thread; none are downgraded or retried.
type Diagnostic struct {
	// Kind is the violation class.
	Kind Kind

	// Loc is the source location of the faulting instruction.
	Loc SourceLoc

	// Thread is the logical thread executing the faulting instruction.
	Thread int

	// Alloc is the tag of the allocation involved, 0 when not applicable.
	Alloc uint64

	// Offset and Length give the affected byte range within Alloc.
	// Length 0 means the diagnostic concerns the allocation as a whole.
	Offset int
	Length int

	// Message is a short human-oriented summary. The structured fields
	// above, not the message, are the contract.
	Message string

	// Prev and Curr are set for DataRace only: the two conflicting
	// accesses, earlier one first.
	Prev *Access
	Curr *Access
}

// String renders a one-line summary, mainly for logs and test failures.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Kind.String())
	b.WriteString(" at ")
	b.WriteString(d.Loc.String())
	b.WriteString(" thread ")
	b.WriteString(strconv.Itoa(d.Thread))
	if d.Alloc != 0 {
		fmt.Fprintf(&b, " alloc a%d", d.Alloc)
		if d.Length > 0 {
			fmt.Fprintf(&b, " [%d:%d]", d.Offset, d.Offset+d.Length)
		}
	}
	if d.Message != "" {
		b.WriteString(": ")
		b.WriteString(d.Message)
	}
	return b.String()
}

// Key returns a deduplication key identifying the violation site:
// kind, location, allocation and byte range. Two runs of the same trace
// produce identical keys for identical violations.
func (d Diagnostic) Key() string {
	return fmt.Sprintf("%s:%s:a%d:%d+%d", d.Kind, d.Loc, d.Alloc, d.Offset, d.Length)
}
