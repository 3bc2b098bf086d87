package racecheck

import (
	"testing"

	"github.com/kolkov/shadowmachine/internal/machine/diag"
)

const alloc = uint64(1)

// write performs a write access and advances the thread's clock, the way
// the interpreter does per instruction.
func write(t *testing.T, d *Detector, tc *ThreadClock, off, n int) {
	t.Helper()
	if c := d.OnAccess(tc, alloc, off, n, true); c != nil {
		t.Fatalf("unexpected race: %+v", c)
	}
	tc.Tick()
}

func read(t *testing.T, d *Detector, tc *ThreadClock, off, n int) {
	t.Helper()
	if c := d.OnAccess(tc, alloc, off, n, false); c != nil {
		t.Fatalf("unexpected race: %+v", c)
	}
	tc.Tick()
}

func TestOnAccess_SameThreadNeverRaces(t *testing.T) {
	d := NewDetector()
	tc := NewThreadClock(0)

	write(t, d, tc, 0, 4)
	read(t, d, tc, 0, 4)
	write(t, d, tc, 0, 4)
	write(t, d, tc, 2, 2)
}

func TestOnAccess_UnorderedWritesRace(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)

	write(t, d, t1, 0, 1)

	c := d.OnAccess(t2, alloc, 0, 1, true)
	if c == nil {
		t.Fatal("unordered write-write did not race")
	}
	if c.Prev.Thread != 1 || c.Prev.Kind != diag.AccessWrite {
		t.Errorf("prev access = %+v, want write by thread 1", c.Prev)
	}
	if c.Curr.Thread != 2 || c.Curr.Kind != diag.AccessWrite {
		t.Errorf("curr access = %+v, want write by thread 2", c.Curr)
	}
}

func TestOnAccess_ForkOrdersChildAfterParent(t *testing.T) {
	d := NewDetector()
	parent := NewThreadClock(0)

	write(t, d, parent, 0, 1)
	parent.Tick() // spawn edge

	child := Fork(parent, 1)
	// The child inherited the parent's clock: no race with the write
	// that preceded the spawn.
	write(t, d, child, 0, 1)
}

func TestOnAccess_JoinOrdersParentAfterChild(t *testing.T) {
	d := NewDetector()
	parent := NewThreadClock(0)
	child := Fork(parent, 1)

	write(t, d, child, 0, 1)

	// Without the join edge the parent's write is unordered.
	if c := d.OnAccess(parent.cloneForProbe(), alloc, 0, 1, true); c == nil {
		t.Fatal("write before join did not race with child write")
	}

	parent.Join(child)
	parent.Tick()
	write(t, d, parent, 0, 1)
}

// cloneForProbe copies a thread clock so a test can ask "would this
// access race" without disturbing the real clock.
func (tc *ThreadClock) cloneForProbe() *ThreadClock {
	return &ThreadClock{TID: tc.TID, C: tc.C.Clone(), cached: tc.cached}
}

func TestOnAccess_WriteReadRace(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)

	write(t, d, t1, 0, 1)

	c := d.OnAccess(t2, alloc, 0, 1, false)
	if c == nil {
		t.Fatal("unordered read after write did not race")
	}
	if c.Prev.Kind != diag.AccessWrite || c.Curr.Kind != diag.AccessRead {
		t.Errorf("conflict kinds = %v/%v, want Write/Read", c.Prev.Kind, c.Curr.Kind)
	}
}

func TestOnAccess_ReadsNeverRaceAndPromote(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)

	read(t, d, t1, 0, 1)
	read(t, d, t2, 0, 1) // unordered second reader: promotes, no race

	bs := d.state(alloc, 0)
	if !bs.promoted() {
		t.Fatal("unordered shared reads did not promote the byte state")
	}

	// A third unordered writer races against the promoted read clock.
	t3 := NewThreadClock(3)
	c := d.OnAccess(t3, alloc, 0, 1, true)
	if c == nil {
		t.Fatal("write over shared reads did not race")
	}
	if c.Prev.Kind != diag.AccessRead {
		t.Errorf("prev kind = %v, want Read", c.Prev.Kind)
	}
}

func TestOnAccess_WriteDemotesReadState(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)

	read(t, d, t1, 0, 1)
	read(t, d, t2, 0, 1)
	if !d.state(alloc, 0).promoted() {
		t.Fatal("setup: byte not promoted")
	}

	// An ordered write (after joining both readers) demotes the byte.
	t3 := NewThreadClock(3)
	t3.Join(t1)
	t3.Join(t2)
	t3.Tick()
	write(t, d, t3, 0, 1)
	if d.state(alloc, 0).promoted() {
		t.Error("write did not demote the byte state")
	}
}

func TestLock_ReleaseAcquireOrdersCriticalSections(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)
	lk := SyncID{Kind: Lock, ID: 0}

	d.Acquire(t1, lk)
	t1.Tick()
	write(t, d, t1, 0, 1)
	d.Release(t1, lk)
	t1.Tick()

	d.Acquire(t2, lk)
	t2.Tick()
	write(t, d, t2, 0, 1) // ordered through the lock: no race
	d.Release(t2, lk)
	t2.Tick()
}

func TestLock_UnlockedAccessStillRaces(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)
	lk := SyncID{Kind: Lock, ID: 0}

	d.Acquire(t1, lk)
	t1.Tick()
	write(t, d, t1, 0, 1)
	d.Release(t1, lk)
	t1.Tick()

	// t2 skips the lock: the release clock was never joined.
	if c := d.OnAccess(t2, alloc, 0, 1, true); c == nil {
		t.Fatal("unlocked write did not race with locked write")
	}
}

func TestChannel_SendRecvOrdersSenderBeforeReceiver(t *testing.T) {
	d := NewDetector()
	sender := NewThreadClock(1)
	receiver := NewThreadClock(2)
	ch := SyncID{Kind: Channel, ID: 0}

	write(t, d, sender, 0, 1)
	d.Send(sender, ch)
	sender.Tick()

	d.Recv(receiver, ch)
	receiver.Tick()
	write(t, d, receiver, 0, 1) // happens-after the sender's write
}

func TestOnAccess_CoalescesAdjacentRacingBytes(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)

	write(t, d, t1, 0, 4)

	c := d.OnAccess(t2, alloc, 0, 4, true)
	if c == nil {
		t.Fatal("expected race")
	}
	if c.Offset != 0 || c.Length != 4 {
		t.Errorf("conflict range = [%d:%d], want [0:4]", c.Offset, c.Offset+c.Length)
	}
}

func TestOnAccess_RaceLeavesStateUnchanged(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)
	t3 := NewThreadClock(3)

	write(t, d, t1, 0, 1)
	if c := d.OnAccess(t2, alloc, 0, 1, true); c == nil {
		t.Fatal("expected race")
	}

	// The racing write was not recorded: a third thread still conflicts
	// with thread 1's original write.
	c := d.OnAccess(t3, alloc, 0, 1, true)
	if c == nil {
		t.Fatal("expected race against original write")
	}
	if c.Prev.Thread != 1 {
		t.Errorf("prev thread = %d, want 1", c.Prev.Thread)
	}
}

func TestDetector_DistinctAllocationsIndependent(t *testing.T) {
	d := NewDetector()
	t1 := NewThreadClock(1)
	t2 := NewThreadClock(2)

	if c := d.OnAccess(t1, 1, 0, 1, true); c != nil {
		t.Fatalf("unexpected race: %+v", c)
	}
	t1.Tick()
	// Same offset, different allocation tag: no connection.
	if c := d.OnAccess(t2, 2, 0, 1, true); c != nil {
		t.Fatalf("accesses to distinct allocations raced: %+v", c)
	}
}

func BenchmarkOnAccess_SameThread(b *testing.B) {
	d := NewDetector()
	tc := NewThreadClock(0)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.OnAccess(tc, alloc, 0, 8, true)
		tc.Tick()
	}
}
