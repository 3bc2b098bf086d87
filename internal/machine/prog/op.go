// Package prog models the lowered instruction stream the engine
// consumes.
//
// The front-end that turns source text into this form is out of scope;
// prog only defines the executable representation, validates it, and
// loads it from the YAML trace format. Instructions are register-based
// and straight-line per thread: control flow was resolved by the
// lowering step, synchronization structure is explicit.
package prog

import "fmt"

// Op is the operation of one lowered instruction.
type Op uint8

const (
	// OpNop does nothing. Lowering emits it for erased instructions so
	// source locations stay dense.
	OpNop Op = iota

	// OpAlloc creates an allocation of Size bytes aligned to Align, of
	// AllocKind, and writes its pointer to Dst.
	OpAlloc

	// OpFree deallocates through the pointer in Src.
	OpFree

	// OpLoad reads Size bytes at [Src]+Offset with required alignment
	// Align.
	OpLoad

	// OpStore writes Size bytes at [Src]+Offset with required alignment
	// Align.
	OpStore

	// OpRetag reborrows the pointer in Src: pushes a borrow-stack entry
	// of BorrowKind (optionally Protected) and writes the retagged
	// pointer to Dst.
	OpRetag

	// OpUnprotect ends the protected loan of the pointer in Src.
	OpUnprotect

	// OpPtrAdd writes Src advanced by Offset bytes to Dst. Provenance
	// and borrow tag are preserved; no checks run until a dereference.
	OpPtrAdd

	// OpAddrCast writes a provenance-stripped copy of Src to Dst,
	// modeling a pointer→integer→pointer round trip.
	OpAddrCast

	// OpCopy copies register Src to Dst.
	OpCopy

	// OpGlobal writes the pointer to the distinguished global region to
	// Dst.
	OpGlobal

	// OpSpawn makes thread Thread runnable.
	OpSpawn

	// OpJoin blocks until thread Thread terminates, then merges its
	// clock.
	OpJoin

	// OpAcquire takes lock Sync, blocking while it is held.
	OpAcquire

	// OpRelease releases lock Sync.
	OpRelease

	// OpSend performs a rendezvous send on channel Sync, blocking until
	// a receiver arrives.
	OpSend

	// OpRecv performs a rendezvous receive on channel Sync, blocking
	// until a sender arrives.
	OpRecv
)

var opNames = [...]string{
	OpNop:       "nop",
	OpAlloc:     "alloc",
	OpFree:      "free",
	OpLoad:      "load",
	OpStore:     "store",
	OpRetag:     "retag",
	OpUnprotect: "unprotect",
	OpPtrAdd:    "ptradd",
	OpAddrCast:  "addrcast",
	OpCopy:      "copy",
	OpGlobal:    "global",
	OpSpawn:     "spawn",
	OpJoin:      "join",
	OpAcquire:   "acquire",
	OpRelease:   "release",
	OpSend:      "send",
	OpRecv:      "recv",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ParseOp parses the mnemonic form used in trace files.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if s == name {
			return Op(op), nil
		}
	}
	return 0, fmt.Errorf("unknown op %q", s)
}
