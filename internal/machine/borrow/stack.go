// Package borrow implements the runtime aliasing discipline: one ordered
// stack of access permissions per allocation.
//
// The stack is the dynamic analogue of static exclusive/shared aliasing
// rules. Each pointer carries a borrow tag; an access is legal only while
// its tag is still in the stack and popping the entries above it would
// not invalidate a protected loan. Once an entry is popped it never
// returns; later accesses through its tag are violations.
package borrow

import (
	"fmt"
	"hash"
)

// Tag identifies a borrow-stack entry. Tags are issued by a TagSource and
// increase monotonically across the whole run; 0 means "no borrow tag".
type Tag uint64

// Kind is the permission a stack entry grants.
type Kind uint8

const (
	// Unique grants exclusive read/write access.
	Unique Kind = iota
	// Shared grants read access and may coexist with other Shared entries.
	Shared
)

func (k Kind) String() string {
	if k == Shared {
		return "shared"
	}
	return "unique"
}

// ParseKind parses the mnemonic form used in trace files.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "unique":
		return Unique, nil
	case "shared":
		return Shared, nil
	}
	return 0, fmt.Errorf("unknown borrow kind %q", s)
}

// Entry is one outstanding permission.
type Entry struct {
	Tag  Tag
	Kind Kind

	// Protected marks an entry belonging to an active, unreturned loan.
	// A protected entry must not be invalidated: any operation that would
	// pop it fails instead.
	Protected bool
}

// Violation describes why a stack operation was rejected. The interpreter
// maps it to a BorrowViolation diagnostic.
type Violation struct {
	// Tag is the tag the operation used.
	Tag Tag
	// Offender is the entry that blocked the operation, when one did.
	Offender *Entry
	// Reason is a short description for the diagnostic message.
	Reason string
}

func (v *Violation) Error() string {
	return v.Reason
}

// TagSource issues fresh borrow tags.
type TagSource struct {
	next Tag
}

// NewTagSource returns a source whose first tag is 1.
func NewTagSource() *TagSource {
	return &TagSource{next: 1}
}

// Next returns a fresh, never before issued tag.
func (ts *TagSource) Next() Tag {
	t := ts.next
	ts.next++
	return t
}

// Stack is one allocation's borrow stack, most recent entry last.
type Stack struct {
	entries []Entry
	frozen  bool
}

// NewStack returns a stack holding the allocation's original owner: a
// single unprotected Unique entry with the given tag.
func NewStack(root Tag) *Stack {
	return &Stack{entries: []Entry{{Tag: root, Kind: Unique}}}
}

// Freeze permanently invalidates every tag in the stack. Called when the
// owning allocation is freed; a frozen stack rejects all operations.
func (s *Stack) Freeze() {
	s.frozen = true
}

// Frozen reports whether the stack belongs to a freed allocation.
func (s *Stack) Frozen() bool {
	return s.frozen
}

// Depth returns the number of outstanding entries.
func (s *Stack) Depth() int {
	return len(s.entries)
}

// Holds reports whether tag is still a valid entry.
func (s *Stack) Holds(tag Tag) bool {
	return s.find(tag) >= 0
}

func (s *Stack) find(tag Tag) int {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Tag == tag {
			return i
		}
	}
	return -1
}

// Access validates an access through tag and performs the invalidations
// it implies.
//
// A write through tag invalidates every entry above it. A read through
// tag invalidates only Unique entries above it, since stacked Shared
// borrows tolerate reads below them. If any entry that would be invalidated is
// protected, the access fails and the stack is left unchanged. A write
// requires the entry itself to be Unique: Shared grants read permission
// only.
func (s *Stack) Access(tag Tag, write bool) *Violation {
	if s.frozen {
		return &Violation{Tag: tag, Reason: "borrow stack frozen by deallocation"}
	}
	i := s.find(tag)
	if i < 0 {
		return &Violation{Tag: tag, Reason: fmt.Sprintf("borrow tag b%d was invalidated or never granted", tag)}
	}
	if write && s.entries[i].Kind == Shared {
		return &Violation{Tag: tag, Offender: &s.entries[i], Reason: fmt.Sprintf("write through shared borrow b%d", tag)}
	}
	if v := s.popAbove(i, write, tag); v != nil {
		return v
	}
	return nil
}

// Retag pushes a new entry of the requested kind derived from parent.
//
// Pushing a Unique entry first invalidates everything above the parent,
// sibling Shared borrows included. Pushing a Shared entry invalidates
// only Unique entries above the parent, so stacked Shared borrows
// coexist. A protected entry in the doomed set fails the retag; the
// rejected reborrow leaves the stack unchanged.
func (s *Stack) Retag(parent Tag, fresh Tag, kind Kind, protected bool) *Violation {
	if s.frozen {
		return &Violation{Tag: parent, Reason: "borrow stack frozen by deallocation"}
	}
	i := s.find(parent)
	if i < 0 {
		return &Violation{Tag: parent, Reason: fmt.Sprintf("reborrow parent b%d was invalidated or never granted", parent)}
	}
	if v := s.popAbove(i, kind == Unique, parent); v != nil {
		return v
	}
	s.entries = append(s.entries, Entry{Tag: fresh, Kind: kind, Protected: protected})
	return nil
}

// popAbove removes the entries above index i that are incompatible with
// an operation at i: all of them when the operation is unique-like
// (write or unique reborrow), only Unique entries otherwise. The scan for
// protected victims runs before any mutation so a rejected operation has
// no effect.
func (s *Stack) popAbove(i int, uniqueLike bool, tag Tag) *Violation {
	for j := i + 1; j < len(s.entries); j++ {
		doomed := uniqueLike || s.entries[j].Kind == Unique
		if doomed && s.entries[j].Protected {
			off := s.entries[j]
			return &Violation{
				Tag:      tag,
				Offender: &off,
				Reason:   fmt.Sprintf("operation through b%d would invalidate protected borrow b%d", tag, off.Tag),
			}
		}
	}
	if uniqueLike {
		s.entries = s.entries[:i+1]
		return nil
	}
	kept := s.entries[:i+1]
	for j := i + 1; j < len(s.entries); j++ {
		if s.entries[j].Kind != Unique {
			kept = append(kept, s.entries[j])
		}
	}
	s.entries = kept
	return nil
}

// Unprotect clears the protector on tag's entry, ending its loan. It
// reports whether the tag was present and protected.
func (s *Stack) Unprotect(tag Tag) bool {
	i := s.find(tag)
	if i < 0 || !s.entries[i].Protected {
		return false
	}
	s.entries[i].Protected = false
	return true
}

// HasProtected reports whether any outstanding entry is protected. A
// deallocation while a protected loan is live is a violation.
func (s *Stack) HasProtected() bool {
	for _, e := range s.entries {
		if e.Protected {
			return true
		}
	}
	return false
}

// Fingerprint mixes the stack's observable state into h.
func (s *Stack) Fingerprint(h hash.Hash) {
	if s.frozen {
		h.Write([]byte{0xf0})
	}
	var buf [8]byte
	for _, e := range s.entries {
		for i := 0; i < 8; i++ {
			buf[i] = byte(uint64(e.Tag) >> (8 * i))
		}
		h.Write(buf[:])
		b := byte(e.Kind) << 1
		if e.Protected {
			b |= 1
		}
		h.Write([]byte{b})
	}
	h.Write([]byte{0xfe})
}
