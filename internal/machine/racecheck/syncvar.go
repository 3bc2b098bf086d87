package racecheck

import (
	"hash"
	"strconv"

	"github.com/kolkov/shadowmachine/internal/machine/clock"
)

// SyncKind distinguishes the synchronization object classes the trace
// format knows about.
type SyncKind uint8

const (
	// Lock is a mutual-exclusion lock.
	Lock SyncKind = iota
	// Channel is a rendezvous channel.
	Channel
)

func (k SyncKind) String() string {
	if k == Channel {
		return "chan"
	}
	return "lock"
}

// SyncID names one synchronization object in a trace.
type SyncID struct {
	Kind SyncKind
	ID   int
}

func (id SyncID) String() string {
	return id.Kind.String() + strconv.Itoa(id.ID)
}

// syncVar is the shadow state of one synchronization object: the clock
// snapshots that releases and sends leave behind for later acquires and
// receives to join.
type syncVar struct {
	// release is the clock captured by the last lock release.
	release *clock.VectorClock

	// sent is the clock captured by the last completed channel send that
	// has not yet been consumed by a receive.
	sent *clock.VectorClock
}

func (d *Detector) syncState(id SyncID) *syncVar {
	sv := d.syncs[id]
	if sv == nil {
		sv = &syncVar{}
		d.syncs[id] = sv
	}
	return sv
}

// Acquire establishes the happens-before edge from the previous release
// of the lock: the acquiring thread's clock joins the release snapshot.
func (d *Detector) Acquire(tc *ThreadClock, id SyncID) {
	tc.JoinClock(d.syncState(id).release)
}

// Release captures the releasing thread's clock for the next acquirer.
func (d *Detector) Release(tc *ThreadClock, id SyncID) {
	d.syncState(id).release = tc.C.Clone()
}

// Send captures the sending thread's clock; the matching Recv joins it.
func (d *Detector) Send(tc *ThreadClock, id SyncID) {
	sv := d.syncState(id)
	if sv.sent == nil {
		sv.sent = tc.C.Clone()
		return
	}
	// Back-to-back sends before a receive: the receiver must observe
	// both senders, so snapshots accumulate.
	sv.sent.Join(tc.C)
}

// Recv joins the pending send snapshot into the receiving thread's
// clock. Only the receiving side's clock moves; the sender learns
// nothing from a receive.
func (d *Detector) Recv(tc *ThreadClock, id SyncID) {
	sv := d.syncState(id)
	tc.JoinClock(sv.sent)
	sv.sent = nil
}

func (sv *syncVar) fingerprint(h hash.Hash) {
	if sv.release != nil {
		h.Write([]byte{'r'})
		sv.release.Fingerprint(h)
	}
	if sv.sent != nil {
		h.Write([]byte{'s'})
		sv.sent.Fingerprint(h)
	}
}
