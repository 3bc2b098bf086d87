package racecheck

import (
	"github.com/kolkov/shadowmachine/internal/machine/clock"
	"github.com/kolkov/shadowmachine/internal/machine/epoch"
)

// byteState is the last-access record for one byte of one allocation.
//
// Adaptive representation: the read side is a single epoch while one
// reader (or a happens-before chain of readers) is involved, and is
// promoted to a vector clock only when unordered reads share the byte.
// The engine is single-goroutine, so unlike an in-process detector the
// state needs no locking.
//
// Only the last writer and the last reader(s) are retained; full access
// history is not. That is enough for race detection, since any later
// access racing with an overwritten record also races with its
// overwriter, and it keeps shadow state bounded.
type byteState struct {
	// w is the epoch of the last write, 0 when the byte was never written.
	w epoch.Epoch

	// readEpoch is the last read in the compact representation. Unused
	// (0) while readClock is non-nil.
	readEpoch epoch.Epoch

	// readClock is the promoted read representation: the pointwise
	// maximum of all unordered readers' clocks. nil in the compact form.
	readClock *clock.VectorClock
}

func (bs *byteState) promoted() bool {
	return bs.readClock != nil
}

// promote switches the read side to a vector clock seeded with the
// previous single reader and the new reader's clock.
func (bs *byteState) promote(newReader *clock.VectorClock) {
	vc := clock.New()
	if bs.readEpoch != 0 {
		tid, c := bs.readEpoch.Decode()
		vc.Set(tid, c)
	}
	vc.Join(newReader)
	bs.readClock = vc
	bs.readEpoch = 0
}

// demote clears read tracking after a write dominated all prior reads.
func (bs *byteState) demote() {
	bs.readEpoch = 0
	bs.readClock = nil
}
