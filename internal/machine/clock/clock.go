// Package clock implements vector clocks for happens-before tracking.
//
// Every logical thread carries a vector clock; synchronization instructions
// merge clocks by pointwise maximum. Two accesses are ordered when one
// clock is less-or-equal the other; unordered conflicting accesses are the
// data races the engine reports.
//
// The clock is slice-backed and grows on demand: traces rarely use more
// than a handful of threads, so a fixed maximum-thread array would waste
// memory on every shadow cell that holds a clock snapshot.
package clock

import (
	"hash"
	"strconv"
	"strings"
)

// VectorClock represents logical time across all threads of a run.
//
// Index i holds the last known clock value for thread i. Missing indices
// are implicitly zero, which is why the slice only grows when a nonzero
// value is stored.
type VectorClock struct {
	clocks []uint32
}

// New returns a zero vector clock: every thread at the beginning of
// logical time.
func New() *VectorClock {
	return &VectorClock{}
}

// Clone returns an independent deep copy.
//
// Snapshots stored in sync-object shadow state must not alias the owning
// thread's live clock, so every capture goes through Clone.
func (vc *VectorClock) Clone() *VectorClock {
	c := &VectorClock{clocks: make([]uint32, len(vc.clocks))}
	copy(c.clocks, vc.clocks)
	return c
}

func (vc *VectorClock) grow(n int) {
	if n <= len(vc.clocks) {
		return
	}
	next := make([]uint32, n)
	copy(next, vc.clocks)
	vc.clocks = next
}

// Get returns the clock value recorded for thread tid.
func (vc *VectorClock) Get(tid uint8) uint32 {
	if int(tid) >= len(vc.clocks) {
		return 0
	}
	return vc.clocks[tid]
}

// Set stores the clock value for thread tid.
func (vc *VectorClock) Set(tid uint8, v uint32) {
	if v == 0 && int(tid) >= len(vc.clocks) {
		return
	}
	vc.grow(int(tid) + 1)
	vc.clocks[tid] = v
}

// Increment advances thread tid's coordinate by one.
func (vc *VectorClock) Increment(tid uint8) {
	vc.grow(int(tid) + 1)
	vc.clocks[tid]++
}

// Join merges other into vc by pointwise maximum: vc = vc ⊔ other.
//
// This is the synchronization operation: after a join edge the receiving
// thread has observed everything the other side had observed.
func (vc *VectorClock) Join(other *VectorClock) {
	vc.grow(len(other.clocks))
	for i, v := range other.clocks {
		if v > vc.clocks[i] {
			vc.clocks[i] = v
		}
	}
}

// LessOrEqual reports whether vc ⊑ other, i.e. vc[i] <= other[i] for all i.
//
// This is the happens-before check: if the clock captured at an earlier
// access is less-or-equal the current thread's clock, the earlier access
// is ordered before the current one.
func (vc *VectorClock) LessOrEqual(other *VectorClock) bool {
	for i, v := range vc.clocks {
		if v == 0 {
			continue
		}
		if i >= len(other.clocks) || v > other.clocks[i] {
			return false
		}
	}
	return true
}

// HappensBefore is an alias for LessOrEqual kept for call-site clarity.
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	return vc.LessOrEqual(other)
}

// FirstExceeding returns the first coordinate where vc exceeds other:
// the thread whose recorded time other has not observed. Used to
// attribute the earlier side of a race when reads were clock-tracked.
func (vc *VectorClock) FirstExceeding(other *VectorClock) (tid uint8, c uint32, ok bool) {
	for i, v := range vc.clocks {
		if v == 0 {
			continue
		}
		if i >= len(other.clocks) || v > other.clocks[i] {
			return uint8(i), v, true
		}
	}
	return 0, 0, false
}

// Fingerprint mixes the clock contents into h. Used by the exhaustive
// scheduler's visited-state keys.
func (vc *VectorClock) Fingerprint(h hash.Hash) {
	var buf [4]byte
	for _, v := range vc.clocks {
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		h.Write(buf[:])
	}
	h.Write([]byte{0xff})
}

// String renders nonzero coordinates as "{tid:clock, ...}". Debug only.
func (vc *VectorClock) String() string {
	var parts []string
	for i, v := range vc.clocks {
		if v != 0 {
			parts = append(parts, strconv.Itoa(i)+":"+strconv.FormatUint(uint64(v), 10))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
