// Package racecheck implements the concurrency clock and the data-race
// detector.
//
// Every logical thread owns a ThreadClock; synchronization instructions
// merge clocks along happens-before edges. The Detector keeps per-byte
// last-access state in the adaptive epoch/vector-clock representation:
// the last write and the last read are single packed epochs until reads
// become shared across unordered threads, at which point the read side is
// promoted to a full vector clock. A write demotes the byte back to the
// compact form.
//
// Two accesses to the same byte race when neither side's clock dominates
// the other's and at least one access is a write. Deallocation counts as
// a write.
package racecheck

import (
	"github.com/kolkov/shadowmachine/internal/machine/clock"
	"github.com/kolkov/shadowmachine/internal/machine/epoch"
)

// ThreadClock is one logical thread's view of logical time: its id, its
// vector clock, and a cached epoch for its own coordinate.
//
// The cache holds New(TID, C[TID]) at all times; Tick and the join
// operations maintain that invariant.
type ThreadClock struct {
	// TID is the thread's coordinate in every vector clock of the run.
	TID uint8

	// C is the thread's vector clock.
	C *clock.VectorClock

	cached epoch.Epoch
}

// NewThreadClock returns a thread's initial clock. The thread's own
// coordinate starts at 1, not 0: the zero epoch is the detector's
// "no access recorded" sentinel and must never be a valid timestamp.
func NewThreadClock(tid uint8) *ThreadClock {
	c := clock.New()
	c.Set(tid, 1)
	return &ThreadClock{
		TID:    tid,
		C:      c,
		cached: epoch.New(tid, 1),
	}
}

// Fork returns the clock of a freshly spawned thread: a copy of the
// spawning thread's clock with the child's own coordinate reset to its
// starting value. Everything the parent did before the spawn
// happens-before everything the child does.
func Fork(parent *ThreadClock, childTID uint8) *ThreadClock {
	c := parent.C.Clone()
	c.Set(childTID, 1)
	return &ThreadClock{
		TID:    childTID,
		C:      c,
		cached: epoch.New(childTID, 1),
	}
}

// Tick advances the thread's own coordinate. Called once per executed
// instruction that touched shadow state.
func (tc *ThreadClock) Tick() {
	tc.C.Increment(tc.TID)
	tc.cached = epoch.New(tc.TID, tc.C.Get(tc.TID))
}

// Epoch returns the cached TID@clock timestamp for the current moment.
func (tc *ThreadClock) Epoch() epoch.Epoch {
	return tc.cached
}

// Now returns the thread's own clock value.
func (tc *ThreadClock) Now() uint32 {
	return tc.C.Get(tc.TID)
}

// Join merges another thread's clock into this one: the join edge of a
// thread join or any other synchronization rendezvous.
func (tc *ThreadClock) Join(other *ThreadClock) {
	tc.C.Join(other.C)
	tc.cached = epoch.New(tc.TID, tc.C.Get(tc.TID))
}

// JoinClock merges a captured clock snapshot, as released by a lock or
// carried by a channel message.
func (tc *ThreadClock) JoinClock(snap *clock.VectorClock) {
	if snap == nil {
		return
	}
	tc.C.Join(snap)
	tc.cached = epoch.New(tc.TID, tc.C.Get(tc.TID))
}
