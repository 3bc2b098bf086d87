package racecheck

import (
	"hash"
	"sort"

	"github.com/kolkov/shadowmachine/internal/machine/diag"
)

// byteKey addresses one byte of one allocation. Race state is keyed by
// allocation tag plus offset, never by numeric address: address reuse
// across allocations must not connect unrelated accesses.
type byteKey struct {
	alloc uint64
	off   int
}

// Conflict reports a detected race: the byte range and both accesses.
// The interpreter turns it into a DataRace diagnostic.
type Conflict struct {
	Alloc  uint64
	Offset int
	Length int
	Prev   diag.Access
	Curr   diag.Access
}

// Detector holds per-byte last-access state and per-sync-object clock
// state for one run.
type Detector struct {
	bytes map[byteKey]*byteState
	syncs map[SyncID]*syncVar
}

// NewDetector returns an empty detector.
func NewDetector() *Detector {
	return &Detector{
		bytes: make(map[byteKey]*byteState),
		syncs: make(map[SyncID]*syncVar),
	}
}

func (d *Detector) state(alloc uint64, off int) *byteState {
	k := byteKey{alloc: alloc, off: off}
	bs := d.bytes[k]
	if bs == nil {
		bs = &byteState{}
		d.bytes[k] = bs
	}
	return bs
}

// OnAccess checks an access against the recorded last accesses of every
// covered byte and, when no race is found, records the access.
//
// On a race the conflicting byte range is returned and shadow state is
// left as it was: the faulting thread stops, and the stale record keeps
// attributing further conflicts to the original access. Adjacent bytes
// conflicting with the same earlier access are coalesced into one
// Conflict.
func (d *Detector) OnAccess(tc *ThreadClock, alloc uint64, offset, length int, write bool) *Conflict {
	curr := diag.Access{
		Thread: int(tc.TID),
		Kind:   diag.AccessRead,
		Clock:  tc.Now(),
	}
	if write {
		curr.Kind = diag.AccessWrite
	}

	for off := offset; off < offset+length; off++ {
		bs := d.state(alloc, off)
		prev, racy := d.checkByte(bs, tc, write)
		if !racy {
			d.recordByte(bs, tc, write)
			continue
		}
		c := &Conflict{
			Alloc:  alloc,
			Offset: off,
			Length: 1,
			Prev:   prev,
			Curr:   curr,
		}
		for next := off + 1; next < offset+length; next++ {
			p, r := d.checkByte(d.state(alloc, next), tc, write)
			if !r || p != prev {
				break
			}
			c.Length++
		}
		return c
	}
	return nil
}

// checkByte decides whether the access races with the byte's recorded
// state, without mutating it. It returns the earlier access for
// reporting.
func (d *Detector) checkByte(bs *byteState, tc *ThreadClock, write bool) (diag.Access, bool) {
	// Write-write and write-read: the last write must happen-before any
	// new access, read or write.
	if bs.w != 0 && !bs.w.HappensBefore(tc.C) {
		tid, c := bs.w.Decode()
		return diag.Access{Thread: int(tid), Kind: diag.AccessWrite, Clock: c}, true
	}
	if !write {
		return diag.Access{}, false
	}
	// Read-write: every recorded read must happen-before a new write.
	if bs.promoted() {
		if !bs.readClock.LessOrEqual(tc.C) {
			tid, c, _ := bs.readClock.FirstExceeding(tc.C)
			return diag.Access{Thread: int(tid), Kind: diag.AccessRead, Clock: c}, true
		}
		return diag.Access{}, false
	}
	if bs.readEpoch != 0 && !bs.readEpoch.HappensBefore(tc.C) {
		tid, c := bs.readEpoch.Decode()
		return diag.Access{Thread: int(tid), Kind: diag.AccessRead, Clock: c}, true
	}
	return diag.Access{}, false
}

// recordByte updates the byte's last-access state for a race-free access.
func (d *Detector) recordByte(bs *byteState, tc *ThreadClock, write bool) {
	e := tc.Epoch()
	if write {
		// The write dominates all recorded reads: demote to compact form.
		bs.w = e
		bs.demote()
		return
	}
	switch {
	case bs.promoted():
		bs.readClock.Join(tc.C)
	case bs.readEpoch == 0, bs.readEpoch.TID() == tc.TID:
		bs.readEpoch = e
	case bs.readEpoch.HappensBefore(tc.C):
		// Ordered reader succession: the new reader subsumes the old.
		bs.readEpoch = e
	default:
		// Unordered readers share the byte: promote. Reads never race
		// with reads, so this is bookkeeping, not a fault.
		bs.promote(tc.C)
	}
}

// TrackedBytes returns the number of bytes with recorded access state.
func (d *Detector) TrackedBytes() int {
	return len(d.bytes)
}

// Fingerprint mixes the detector's observable state into h, in
// deterministic key order.
func (d *Detector) Fingerprint(h hash.Hash) {
	keys := make([]byteKey, 0, len(d.bytes))
	for k := range d.bytes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].alloc != keys[j].alloc {
			return keys[i].alloc < keys[j].alloc
		}
		return keys[i].off < keys[j].off
	})
	var buf [8]byte
	for _, k := range keys {
		bs := d.bytes[k]
		putUint64(&buf, k.alloc)
		h.Write(buf[:])
		putUint64(&buf, uint64(k.off))
		h.Write(buf[:])
		putUint64(&buf, uint64(bs.w)<<32|uint64(bs.readEpoch))
		h.Write(buf[:])
		if bs.readClock != nil {
			bs.readClock.Fingerprint(h)
		}
	}
	ids := make([]SyncID, 0, len(d.syncs))
	for id := range d.syncs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Kind != ids[j].Kind {
			return ids[i].Kind < ids[j].Kind
		}
		return ids[i].ID < ids[j].ID
	})
	for _, id := range ids {
		d.syncs[id].fingerprint(h)
	}
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
