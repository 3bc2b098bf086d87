package prog

import (
	"fmt"

	"github.com/kolkov/shadowmachine/internal/machine/borrow"
	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/layout"
	"github.com/kolkov/shadowmachine/internal/machine/mem"
)

// MaxRegs is the number of virtual registers each thread owns.
const MaxRegs = 64

// MaxThreads bounds thread ids so they fit the epoch TID field.
const MaxThreads = 256

// Instr is one lowered instruction. Which fields are meaningful depends
// on Op; Validate enforces the per-op requirements.
type Instr struct {
	Op Op

	// Dst and Src are virtual register indices.
	Dst int
	Src int

	// Size and Align describe a typed access or allocation.
	Size  int
	Align uint64

	// Offset is the byte displacement of loads, stores and ptradd.
	Offset int64

	// AllocKind applies to OpAlloc.
	AllocKind mem.AllocKind

	// BorrowKind and Protected apply to OpRetag.
	BorrowKind borrow.Kind
	Protected  bool

	// Thread is the target of OpSpawn and OpJoin.
	Thread int

	// Sync names the lock of OpAcquire/OpRelease or the channel of
	// OpSend/OpRecv.
	Sync int

	// Loc is the source position the instruction was lowered from.
	Loc diag.SourceLoc
}

// ThreadCode is one logical thread's straight-line instruction list.
type ThreadCode struct {
	ID   int
	Code []Instr
}

// Program is a complete executable trace: per-thread code plus the
// thread topology implied by spawn/join instructions.
type Program struct {
	// Version is the trace format version the program was written
	// against.
	Version string

	// Globals is the size of the distinguished global allocation,
	// 0 when the trace declares no global state.
	Globals int

	// Entry is the id of the initially runnable thread.
	Entry int

	Threads []ThreadCode
}

// Thread returns the code of thread id, nil when absent.
func (p *Program) Thread(id int) *ThreadCode {
	for i := range p.Threads {
		if p.Threads[i].ID == id {
			return &p.Threads[i]
		}
	}
	return nil
}

// Steps returns the total instruction count across all threads.
func (p *Program) Steps() int {
	n := 0
	for _, tc := range p.Threads {
		n += len(tc.Code)
	}
	return n
}

// Validate checks structural well-formedness: thread ids, register
// indices, access shapes and spawn/join targets. Semantic violations
// (the UB classes) are the interpreter's business, not Validate's.
func (p *Program) Validate() error {
	if len(p.Threads) == 0 {
		return fmt.Errorf("program has no threads")
	}
	seen := make(map[int]bool, len(p.Threads))
	for _, tc := range p.Threads {
		if tc.ID < 0 || tc.ID >= MaxThreads {
			return fmt.Errorf("thread id %d out of range [0, %d)", tc.ID, MaxThreads)
		}
		if seen[tc.ID] {
			return fmt.Errorf("duplicate thread id %d", tc.ID)
		}
		seen[tc.ID] = true
	}
	if !seen[p.Entry] {
		return fmt.Errorf("entry thread %d not defined", p.Entry)
	}
	if p.Globals < 0 {
		return fmt.Errorf("negative globals size %d", p.Globals)
	}
	for _, tc := range p.Threads {
		for i := range tc.Code {
			if err := p.validateInstr(&tc.Code[i], seen); err != nil {
				return fmt.Errorf("thread %d instr %d (%s): %w", tc.ID, i, tc.Code[i].Op, err)
			}
		}
	}
	return nil
}

func (p *Program) validateInstr(in *Instr, threads map[int]bool) error {
	reg := func(r int) error {
		if r < 0 || r >= MaxRegs {
			return fmt.Errorf("register r%d out of range [0, %d)", r, MaxRegs)
		}
		return nil
	}
	switch in.Op {
	case OpNop:
		return nil
	case OpAlloc:
		if in.Size <= 0 {
			return fmt.Errorf("allocation size %d must be positive", in.Size)
		}
		if in.Align != 0 && !layout.ValidAlign(in.Align) {
			return fmt.Errorf("bad alignment %d", in.Align)
		}
		return reg(in.Dst)
	case OpFree, OpUnprotect:
		return reg(in.Src)
	case OpLoad, OpStore:
		if !layout.ValidSize(in.Size) {
			return fmt.Errorf("bad access size %d", in.Size)
		}
		if in.Align != 0 && !layout.ValidAlign(in.Align) {
			return fmt.Errorf("bad alignment %d", in.Align)
		}
		return reg(in.Src)
	case OpRetag:
		if err := reg(in.Src); err != nil {
			return err
		}
		return reg(in.Dst)
	case OpPtrAdd, OpAddrCast, OpCopy:
		if err := reg(in.Src); err != nil {
			return err
		}
		return reg(in.Dst)
	case OpGlobal:
		if p.Globals <= 0 {
			return fmt.Errorf("global pointer requested but program declares no globals")
		}
		return reg(in.Dst)
	case OpSpawn, OpJoin:
		if !threads[in.Thread] {
			return fmt.Errorf("unknown thread %d", in.Thread)
		}
		return nil
	case OpAcquire, OpRelease, OpSend, OpRecv:
		if in.Sync < 0 {
			return fmt.Errorf("negative sync object id %d", in.Sync)
		}
		return nil
	}
	return fmt.Errorf("unknown opcode %d", uint8(in.Op))
}
