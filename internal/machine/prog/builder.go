package prog

import (
	"github.com/kolkov/shadowmachine/internal/machine/borrow"
	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/mem"
)

// Builder assembles programs instruction by instruction. It exists for
// tests and for front-ends that construct traces in process rather than
// loading them from files.
//
// Each appended instruction is stamped with a synthetic, monotonically
// increasing source location so diagnostics in built programs remain
// attributable.
type Builder struct {
	p     Program
	cur   *ThreadCode
	depot *diag.Depot
	line  int
	file  string
}

// NewBuilder returns a builder for a program with entry thread 0.
func NewBuilder() *Builder {
	return &Builder{
		depot: diag.NewDepot(),
		file:  "trace",
		line:  1,
	}
}

// Globals declares the size of the distinguished global allocation.
func (b *Builder) Globals(size int) *Builder {
	b.p.Globals = size
	return b
}

// Thread starts (or resumes) emitting into thread id.
func (b *Builder) Thread(id int) *Builder {
	if tc := b.p.Thread(id); tc != nil {
		b.cur = tc
		return b
	}
	b.p.Threads = append(b.p.Threads, ThreadCode{ID: id})
	b.cur = &b.p.Threads[len(b.p.Threads)-1]
	return b
}

func (b *Builder) emit(in Instr) *Builder {
	if b.cur == nil {
		b.Thread(0)
	}
	loc := b.depot.Intern(b.file, b.line)
	b.line++
	in.Loc = *loc
	b.cur.Code = append(b.cur.Code, in)
	return b
}

// Nop appends a no-op.
func (b *Builder) Nop() *Builder {
	return b.emit(Instr{Op: OpNop})
}

// Alloc appends a heap allocation of size bytes aligned to align, with
// the pointer written to dst.
func (b *Builder) Alloc(dst, size int, align uint64) *Builder {
	return b.emit(Instr{Op: OpAlloc, Dst: dst, Size: size, Align: align, AllocKind: mem.Heap})
}

// AllocKind appends an allocation of an explicit kind.
func (b *Builder) AllocKind(dst, size int, align uint64, kind mem.AllocKind) *Builder {
	return b.emit(Instr{Op: OpAlloc, Dst: dst, Size: size, Align: align, AllocKind: kind})
}

// Free appends a deallocation through the pointer in src.
func (b *Builder) Free(src int) *Builder {
	return b.emit(Instr{Op: OpFree, Src: src})
}

// Load appends a read of size bytes at [src]+offset with alignment align.
func (b *Builder) Load(src int, offset int64, size int, align uint64) *Builder {
	return b.emit(Instr{Op: OpLoad, Src: src, Offset: offset, Size: size, Align: align})
}

// Store appends a write of size bytes at [src]+offset with alignment align.
func (b *Builder) Store(src int, offset int64, size int, align uint64) *Builder {
	return b.emit(Instr{Op: OpStore, Src: src, Offset: offset, Size: size, Align: align})
}

// Retag appends a reborrow of src into dst.
func (b *Builder) Retag(dst, src int, kind borrow.Kind, protected bool) *Builder {
	return b.emit(Instr{Op: OpRetag, Dst: dst, Src: src, BorrowKind: kind, Protected: protected})
}

// Unprotect appends the end of src's protected loan.
func (b *Builder) Unprotect(src int) *Builder {
	return b.emit(Instr{Op: OpUnprotect, Src: src})
}

// PtrAdd appends pointer arithmetic: dst = src + delta.
func (b *Builder) PtrAdd(dst, src int, delta int64) *Builder {
	return b.emit(Instr{Op: OpPtrAdd, Dst: dst, Src: src, Offset: delta})
}

// AddrCast appends a provenance-stripping round trip: dst = cast(src).
func (b *Builder) AddrCast(dst, src int) *Builder {
	return b.emit(Instr{Op: OpAddrCast, Dst: dst, Src: src})
}

// Copy appends a register copy.
func (b *Builder) Copy(dst, src int) *Builder {
	return b.emit(Instr{Op: OpCopy, Dst: dst, Src: src})
}

// Global appends a load of the global-region pointer into dst.
func (b *Builder) Global(dst int) *Builder {
	return b.emit(Instr{Op: OpGlobal, Dst: dst})
}

// Spawn appends a spawn of thread id.
func (b *Builder) Spawn(id int) *Builder {
	return b.emit(Instr{Op: OpSpawn, Thread: id})
}

// Join appends a join on thread id.
func (b *Builder) Join(id int) *Builder {
	return b.emit(Instr{Op: OpJoin, Thread: id})
}

// Acquire appends a lock acquisition.
func (b *Builder) Acquire(lock int) *Builder {
	return b.emit(Instr{Op: OpAcquire, Sync: lock})
}

// Release appends a lock release.
func (b *Builder) Release(lock int) *Builder {
	return b.emit(Instr{Op: OpRelease, Sync: lock})
}

// Send appends a channel send.
func (b *Builder) Send(ch int) *Builder {
	return b.emit(Instr{Op: OpSend, Sync: ch})
}

// Recv appends a channel receive.
func (b *Builder) Recv(ch int) *Builder {
	return b.emit(Instr{Op: OpRecv, Sync: ch})
}

// Build validates and returns the assembled program.
func (b *Builder) Build() (*Program, error) {
	b.p.Version = FormatVersion
	p := b.p
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// MustBuild is Build for tests and fixtures with known-good programs.
func (b *Builder) MustBuild() *Program {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
