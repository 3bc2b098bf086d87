// Package mem implements the allocation table and the per-byte shadow
// memory store.
//
// The table tracks every allocation a run ever created, including freed
// ones: a freed allocation is retained so a later access through a stale
// pointer can still be attributed and reported as a use-after-free.
// Allocation tags are never reused, even when the numeric address range
// is recycled. Provenance, not the address, decides which allocation a
// pointer may touch.
//
// Each live byte carries shadow state: an initialized bit and the tag of
// the allocation that last stamped it. Reads covering a never-written
// byte are uninitialized reads.
package mem

import (
	"fmt"
	"hash"
	"sort"

	"github.com/kolkov/shadowmachine/internal/machine/diag"
)

// Tag identifies an allocation. Tags are unique for the lifetime of a
// run; 0 is reserved for "no provenance".
type Tag uint64

// AllocKind classifies how an allocation came to exist.
type AllocKind uint8

const (
	// Heap is an explicit heap allocation instruction.
	Heap AllocKind = iota
	// Stack is a stack-frame slot created at frame entry.
	Stack
	// Global is the distinguished static allocation created at machine
	// initialization. It follows the same rules as any other allocation.
	Global
)

var allocKindNames = [...]string{Heap: "heap", Stack: "stack", Global: "global"}

func (k AllocKind) String() string {
	if int(k) < len(allocKindNames) {
		return allocKindNames[k]
	}
	return "kind(?)"
}

// ParseAllocKind parses the mnemonic form used in trace files.
func ParseAllocKind(s string) (AllocKind, error) {
	for k, name := range allocKindNames {
		if s == name {
			return AllocKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown allocation kind %q", s)
}

// State is an allocation's liveness state.
type State uint8

const (
	// Live means the allocation may be accessed.
	Live State = iota
	// Freed means the allocation was deallocated. Freed allocations are
	// kept in the table forever; every access through them is a fault.
	Freed
)

// shadowByte is the per-byte validity and provenance record.
type shadowByte struct {
	init bool
	prov Tag
}

// Allocation is one tracked memory region.
type Allocation struct {
	// Tag is the unique identity, never recycled.
	Tag Tag

	// Base is the numeric base address assigned to the region. Distinct
	// live allocations never overlap; a freed region's range may be handed
	// to a later allocation when address reuse is enabled.
	Base uint64

	// Size is the region length in bytes.
	Size int

	// Kind records how the allocation was created.
	Kind AllocKind

	// State is Live or Freed.
	State State

	// Site is the source location of the creating instruction.
	Site diag.SourceLoc

	// FreedAt is the source location of the deallocating instruction,
	// meaningful only when State is Freed.
	FreedAt diag.SourceLoc

	shadow []shadowByte
}

// Contains reports whether the numeric address falls inside the region.
func (a *Allocation) Contains(addr uint64) bool {
	return addr >= a.Base && addr < a.Base+uint64(a.Size)
}

// CheckLive returns a UseAfterFree diagnostic when the allocation is
// freed, nil otherwise.
func (a *Allocation) CheckLive() *diag.Diagnostic {
	if a.State == Live {
		return nil
	}
	return &diag.Diagnostic{
		Kind:    diag.UseAfterFree,
		Alloc:   uint64(a.Tag),
		Message: fmt.Sprintf("access to allocation a%d freed at %s", a.Tag, a.FreedAt),
	}
}

// CheckRange returns an OutOfBounds diagnostic when [offset, offset+length)
// is not fully inside the allocation.
func (a *Allocation) CheckRange(offset, length int) *diag.Diagnostic {
	if offset >= 0 && length >= 0 && offset+length <= a.Size {
		return nil
	}
	return &diag.Diagnostic{
		Kind:    diag.OutOfBounds,
		Alloc:   uint64(a.Tag),
		Offset:  offset,
		Length:  length,
		Message: fmt.Sprintf("range [%d:%d] exceeds allocation a%d of %d bytes", offset, offset+length, a.Tag, a.Size),
	}
}

// CheckInitialized returns an UninitializedRead diagnostic naming the
// first never-written byte in the range, nil when every byte has been
// written.
func (a *Allocation) CheckInitialized(offset, length int) *diag.Diagnostic {
	for i := offset; i < offset+length; i++ {
		if !a.shadow[i].init {
			return &diag.Diagnostic{
				Kind:    diag.UninitializedRead,
				Alloc:   uint64(a.Tag),
				Offset:  i,
				Length:  1,
				Message: fmt.Sprintf("read of uninitialized byte %d of allocation a%d", i, a.Tag),
			}
		}
	}
	return nil
}

// MarkWritten sets the validity bit for every covered byte and stamps its
// provenance with the writing allocation's tag.
func (a *Allocation) MarkWritten(offset, length int) {
	for i := offset; i < offset+length; i++ {
		a.shadow[i].init = true
		a.shadow[i].prov = a.Tag
	}
}

// Initialized reports whether every byte in the range has been written.
func (a *Allocation) Initialized(offset, length int) bool {
	return a.CheckInitialized(offset, length) == nil
}

// Provenance returns the tag stamped on the byte at offset, 0 when the
// byte was never written.
func (a *Allocation) Provenance(offset int) Tag {
	return a.shadow[offset].prov
}

// Table is the allocation table: every allocation ever created, live and
// freed, keyed by tag. It is mutated only from the interpreter's single
// dispatch path, so it carries no locking.
type Table struct {
	nextTag  Tag
	nextAddr uint64
	allocs   map[Tag]*Allocation
	order    []Tag

	// ReuseAddresses hands a freed region's base address to a later
	// allocation of equal or smaller size. Off by default; enabled in
	// tests that exercise provenance disambiguation across address reuse.
	ReuseAddresses bool
}

// baseAddr is where the synthetic address space starts. Nonzero so that a
// zero address is always invalid, page-ish so that alignment tests read
// naturally.
const baseAddr = 0x10000

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		nextTag:  1,
		nextAddr: baseAddr,
		allocs:   make(map[Tag]*Allocation),
	}
}

// Allocate creates a fresh allocation of size bytes whose base address
// satisfies align. The tag is fresh even if the address range has been
// used before.
func (t *Table) Allocate(size int, align uint64, kind AllocKind, site diag.SourceLoc) *Allocation {
	if align == 0 {
		align = 1
	}
	base := t.pickBase(size, align)
	a := &Allocation{
		Tag:    t.nextTag,
		Base:   base,
		Size:   size,
		Kind:   kind,
		State:  Live,
		Site:   site,
		shadow: make([]shadowByte, size),
	}
	t.nextTag++
	t.allocs[a.Tag] = a
	t.order = append(t.order, a.Tag)
	return a
}

func (t *Table) pickBase(size int, align uint64) uint64 {
	if t.ReuseAddresses {
		for _, tag := range t.order {
			a := t.allocs[tag]
			if a.State == Freed && a.Size >= size && a.Base%align == 0 && !t.rangeLive(a.Base, size) {
				return a.Base
			}
		}
	}
	base := t.nextAddr
	if rem := base % align; rem != 0 {
		base += align - rem
	}
	t.nextAddr = base + uint64(size)
	return base
}

func (t *Table) rangeLive(base uint64, size int) bool {
	for _, a := range t.allocs {
		if a.State != Live {
			continue
		}
		if base < a.Base+uint64(a.Size) && a.Base < base+uint64(size) {
			return true
		}
	}
	return false
}

// Lookup returns the allocation for tag, nil for 0 or unknown tags.
func (t *Table) Lookup(tag Tag) *Allocation {
	return t.allocs[tag]
}

// Deallocate marks the allocation Freed. It returns DoubleFree when the
// allocation is already freed. The caller freezes the borrow stack and
// records the free as a write-like event for race detection.
func (t *Table) Deallocate(tag Tag, site diag.SourceLoc) *diag.Diagnostic {
	a := t.allocs[tag]
	if a == nil {
		return &diag.Diagnostic{
			Kind:    diag.UseAfterFree,
			Alloc:   uint64(tag),
			Message: fmt.Sprintf("free of unknown allocation a%d", tag),
		}
	}
	if a.State == Freed {
		return &diag.Diagnostic{
			Kind:    diag.DoubleFree,
			Alloc:   uint64(tag),
			Message: fmt.Sprintf("allocation a%d already freed at %s", a.Tag, a.FreedAt),
		}
	}
	a.State = Freed
	a.FreedAt = site
	return nil
}

// Read performs the full read contract in one call: liveness, bounds
// and initialization. The interpreter runs the same checks individually
// so it can interleave the aliasing and race checks at the right points;
// Read exists for direct use and for tests of the table contract.
func (t *Table) Read(tag Tag, offset, length int) *diag.Diagnostic {
	a := t.allocs[tag]
	if a == nil {
		return &diag.Diagnostic{Kind: diag.UseAfterFree, Alloc: uint64(tag), Message: "read through dangling pointer"}
	}
	if d := a.CheckLive(); d != nil {
		return d
	}
	if d := a.CheckRange(offset, length); d != nil {
		return d
	}
	return a.CheckInitialized(offset, length)
}

// Write performs the full write contract: liveness and bounds, then
// marks the covered bytes written.
func (t *Table) Write(tag Tag, offset, length int) *diag.Diagnostic {
	a := t.allocs[tag]
	if a == nil {
		return &diag.Diagnostic{Kind: diag.UseAfterFree, Alloc: uint64(tag), Message: "write through dangling pointer"}
	}
	if d := a.CheckLive(); d != nil {
		return d
	}
	if d := a.CheckRange(offset, length); d != nil {
		return d
	}
	a.MarkWritten(offset, length)
	return nil
}

// Count returns how many allocations the table has ever created.
func (t *Table) Count() int {
	return len(t.allocs)
}

// Fingerprint mixes the table's observable state into h: tags, liveness
// and initialization bitmaps, in creation order.
func (t *Table) Fingerprint(h hash.Hash) {
	tags := make([]Tag, 0, len(t.order))
	tags = append(tags, t.order...)
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	var buf [8]byte
	for _, tag := range tags {
		a := t.allocs[tag]
		putUint64(&buf, uint64(a.Tag))
		h.Write(buf[:])
		h.Write([]byte{byte(a.State)})
		bit := byte(0)
		n := 0
		for _, sb := range a.shadow {
			bit <<= 1
			if sb.init {
				bit |= 1
			}
			if n++; n == 8 {
				h.Write([]byte{bit})
				bit, n = 0, 0
			}
		}
		if n > 0 {
			h.Write([]byte{bit})
		}
	}
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
