// Package epoch implements packed 32-bit logical timestamps.
//
// An epoch pairs a thread id with that thread's clock value in a single
// word: [TID:8][Clock:24]. Shadow cells store epochs instead of full
// vector clocks wherever a single thread's time is enough (the common
// case for last-writer and single-reader tracking) and only promote to
// vector clocks when reads become shared.
package epoch

import (
	"strconv"

	"github.com/kolkov/shadowmachine/internal/machine/clock"
)

// Epoch is a packed TID@clock timestamp. The zero value means "no access
// recorded".
type Epoch uint32

const (
	// ClockBits is the width of the clock field (16M steps per thread).
	ClockBits = 24

	// ClockMask extracts the clock field.
	ClockMask = (1 << ClockBits) - 1
)

// New packs tid and clock into an epoch. Clock values are truncated to
// 24 bits; the interpreter's step budget keeps runs far below that.
func New(tid uint8, c uint32) Epoch {
	return Epoch(uint32(tid)<<ClockBits | (c & ClockMask))
}

// Decode splits the epoch back into thread id and clock value.
func (e Epoch) Decode() (tid uint8, c uint32) {
	return uint8(e >> ClockBits), uint32(e) & ClockMask
}

// TID returns the thread id field.
func (e Epoch) TID() uint8 {
	tid, _ := e.Decode()
	return tid
}

// HappensBefore reports whether the access stamped with e is ordered
// before a thread whose current vector clock is vc.
//
// This is the O(1) core of the detector: e happened-before vc exactly
// when vc has already observed e's thread up to e's clock.
func (e Epoch) HappensBefore(vc *clock.VectorClock) bool {
	tid, c := e.Decode()
	return c <= vc.Get(tid)
}

// String renders the epoch as "clock@tid". Debug and diagnostics only.
func (e Epoch) String() string {
	tid, c := e.Decode()
	return strconv.FormatUint(uint64(c), 10) + "@" + strconv.Itoa(int(tid))
}
