package interp

import (
	"context"
	"fmt"

	"github.com/kolkov/shadowmachine/internal/machine/borrow"
	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/layout"
	"github.com/kolkov/shadowmachine/internal/machine/mem"
	"github.com/kolkov/shadowmachine/internal/machine/prog"
	"github.com/kolkov/shadowmachine/internal/machine/racecheck"
)

// dispatch executes one instruction. Memory instructions run the checks
// in the fixed order alignment, allocation liveness and bounds, shadow
// initialization (reads), aliasing, race detection; the first failure
// faults the thread and the rest never run. A returned error is a
// malformed program condition the validator cannot see statically, not
// a detected violation.
func (m *Machine) dispatch(ctx context.Context, t *thread, in *prog.Instr) error {
	switch in.Op {
	case prog.OpNop:
		t.ip++
	case prog.OpAlloc:
		m.execAlloc(t, in)
	case prog.OpFree:
		m.execFree(ctx, t, in)
	case prog.OpLoad:
		m.execAccess(ctx, t, in, false)
	case prog.OpStore:
		m.execAccess(ctx, t, in, true)
	case prog.OpRetag:
		m.execRetag(ctx, t, in)
	case prog.OpUnprotect:
		m.execUnprotect(t, in)
	case prog.OpPtrAdd:
		v := t.regs[in.Src]
		v.Addr = uint64(int64(v.Addr) + in.Offset)
		t.regs[in.Dst] = v
		t.ip++
	case prog.OpAddrCast:
		// The numeric address survives the round trip, provenance does
		// not: the result is dangling until the trace proves otherwise.
		t.regs[in.Dst] = Value{Addr: t.regs[in.Src].Addr, IsPtr: true}
		t.ip++
	case prog.OpCopy:
		t.regs[in.Dst] = t.regs[in.Src]
		t.ip++
	case prog.OpGlobal:
		t.regs[in.Dst] = m.globals
		t.ip++
	case prog.OpSpawn:
		return m.execSpawn(t, in)
	case prog.OpJoin:
		m.execJoin(t, in)
	case prog.OpAcquire:
		m.execAcquire(t, in)
	case prog.OpRelease:
		return m.execRelease(t, in)
	case prog.OpSend:
		m.execSend(t, in)
	case prog.OpRecv:
		m.execRecv(t, in)
	default:
		return fmt.Errorf("unimplemented opcode %s", in.Op)
	}
	return nil
}

func (m *Machine) execAlloc(t *thread, in *prog.Instr) {
	a := m.table.Allocate(in.Size, in.Align, in.AllocKind, in.Loc)
	root := m.btags.Next()
	m.stacks[a.Tag] = borrow.NewStack(root)
	t.regs[in.Dst] = Value{Addr: a.Base, Prov: a.Tag, Borrow: root, IsPtr: true}
	t.clock.Tick()
	t.ip++
}

// execAccess is the load/store path.
func (m *Machine) execAccess(ctx context.Context, t *thread, in *prog.Instr, write bool) {
	v := t.regs[in.Src]
	addr := uint64(int64(v.Addr) + in.Offset)

	if d := layout.Check(addr, in.Align); d != nil {
		m.fault(ctx, t, in, d)
		return
	}
	a, off, d := m.resolve(v, addr, in.Size)
	if d != nil {
		m.fault(ctx, t, in, d)
		return
	}
	if !write {
		if d := a.CheckInitialized(off, in.Size); d != nil {
			m.fault(ctx, t, in, d)
			return
		}
	}
	if viol := m.stacks[v.Prov].Access(v.Borrow, write); viol != nil {
		m.fault(ctx, t, in, &diag.Diagnostic{
			Kind:    diag.BorrowViolation,
			Alloc:   uint64(v.Prov),
			Offset:  off,
			Length:  in.Size,
			Message: viol.Reason,
		})
		return
	}
	if c := m.det.OnAccess(t.clock, uint64(v.Prov), off, in.Size, write); c != nil {
		m.fault(ctx, t, in, raceDiag(c))
		return
	}
	if write {
		a.MarkWritten(off, in.Size)
	}
	t.clock.Tick()
	t.ip++
}

// resolve maps a pointer to its allocation and in-allocation offset,
// running the dangling, liveness and bounds checks.
func (m *Machine) resolve(v Value, addr uint64, size int) (*mem.Allocation, int, *diag.Diagnostic) {
	if !v.IsPtr || v.Prov == 0 {
		return nil, 0, &diag.Diagnostic{
			Kind:    diag.UseAfterFree,
			Message: fmt.Sprintf("access through dangling pointer 0x%x with no provenance", addr),
		}
	}
	a := m.table.Lookup(v.Prov)
	if a == nil {
		return nil, 0, &diag.Diagnostic{
			Kind:    diag.UseAfterFree,
			Alloc:   uint64(v.Prov),
			Message: fmt.Sprintf("access through pointer with unknown provenance a%d", v.Prov),
		}
	}
	if d := a.CheckLive(); d != nil {
		return nil, 0, d
	}
	off := int(int64(addr) - int64(a.Base))
	if d := a.CheckRange(off, size); d != nil {
		return nil, 0, d
	}
	return a, off, nil
}

func (m *Machine) execFree(ctx context.Context, t *thread, in *prog.Instr) {
	v := t.regs[in.Src]
	if !v.IsPtr || v.Prov == 0 {
		m.fault(ctx, t, in, &diag.Diagnostic{
			Kind:    diag.UseAfterFree,
			Message: "free through dangling pointer with no provenance",
		})
		return
	}
	a := m.table.Lookup(v.Prov)
	if a == nil || a.State == mem.Freed {
		// Deallocate without mutating: it reports the unknown-tag and
		// double-free cases.
		m.fault(ctx, t, in, m.table.Deallocate(v.Prov, in.Loc))
		return
	}
	// Freeing is a write-like event for both the aliasing discipline and
	// the race detector: it invalidates every borrow above the freeing
	// tag and conflicts with any unordered access to any byte.
	if viol := m.stacks[v.Prov].Access(v.Borrow, true); viol != nil {
		m.fault(ctx, t, in, &diag.Diagnostic{
			Kind:    diag.BorrowViolation,
			Alloc:   uint64(v.Prov),
			Message: viol.Reason,
		})
		return
	}
	if c := m.det.OnAccess(t.clock, uint64(v.Prov), 0, a.Size, true); c != nil {
		m.fault(ctx, t, in, raceDiag(c))
		return
	}
	if d := m.table.Deallocate(v.Prov, in.Loc); d != nil {
		m.fault(ctx, t, in, d)
		return
	}
	m.stacks[v.Prov].Freeze()
	t.clock.Tick()
	t.ip++
}

func (m *Machine) execRetag(ctx context.Context, t *thread, in *prog.Instr) {
	v := t.regs[in.Src]
	if !v.IsPtr || v.Prov == 0 {
		m.fault(ctx, t, in, &diag.Diagnostic{
			Kind:    diag.UseAfterFree,
			Message: "reborrow of dangling pointer with no provenance",
		})
		return
	}
	a := m.table.Lookup(v.Prov)
	if a == nil {
		m.fault(ctx, t, in, &diag.Diagnostic{
			Kind:    diag.UseAfterFree,
			Alloc:   uint64(v.Prov),
			Message: fmt.Sprintf("reborrow through unknown provenance a%d", v.Prov),
		})
		return
	}
	if d := a.CheckLive(); d != nil {
		m.fault(ctx, t, in, d)
		return
	}
	fresh := m.btags.Next()
	if viol := m.stacks[v.Prov].Retag(v.Borrow, fresh, in.BorrowKind, in.Protected); viol != nil {
		m.fault(ctx, t, in, &diag.Diagnostic{
			Kind:    diag.BorrowViolation,
			Alloc:   uint64(v.Prov),
			Message: viol.Reason,
		})
		return
	}
	v.Borrow = fresh
	t.regs[in.Dst] = v
	t.clock.Tick()
	t.ip++
}

func (m *Machine) execUnprotect(t *thread, in *prog.Instr) {
	v := t.regs[in.Src]
	if v.Prov != 0 {
		if st := m.stacks[v.Prov]; st != nil {
			st.Unprotect(v.Borrow)
		}
	}
	t.ip++
}

func (m *Machine) execSpawn(t *thread, in *prog.Instr) error {
	child := m.threads[in.Thread]
	if child.state != stateNew {
		return fmt.Errorf("spawn of already started thread %d", child.id)
	}
	child.clock = racecheck.Fork(t.clock, uint8(child.id))
	m.start(child)
	// The parent's later actions must not appear ordered before the
	// child's start.
	t.clock.Tick()
	t.ip++
	return nil
}

func (m *Machine) execJoin(t *thread, in *prog.Instr) {
	target := m.threads[in.Thread]
	if !target.state.terminal() {
		m.block(t, waitJoin, in.Thread)
		return
	}
	if target.clock != nil {
		t.clock.Join(target.clock)
	}
	t.clock.Tick()
	t.ip++
}

func (m *Machine) execAcquire(t *thread, in *prog.Instr) {
	if _, held := m.lockHolder[in.Sync]; held {
		m.block(t, waitLock, in.Sync)
		return
	}
	m.det.Acquire(t.clock, racecheck.SyncID{Kind: racecheck.Lock, ID: in.Sync})
	m.lockHolder[in.Sync] = t.id
	t.clock.Tick()
	t.ip++
}

func (m *Machine) execRelease(t *thread, in *prog.Instr) error {
	if holder, held := m.lockHolder[in.Sync]; !held || holder != t.id {
		return fmt.Errorf("release of lock %d not held by thread %d", in.Sync, t.id)
	}
	m.det.Release(t.clock, racecheck.SyncID{Kind: racecheck.Lock, ID: in.Sync})
	delete(m.lockHolder, in.Sync)
	t.clock.Tick()
	t.ip++
	return nil
}

// execSend completes a rendezvous with a blocked receiver, or parks the
// sender until one arrives.
func (m *Machine) execSend(t *thread, in *prog.Instr) {
	recv := m.blockedOn(waitRecv, in.Sync)
	if recv == nil {
		m.block(t, waitSend, in.Sync)
		return
	}
	m.rendezvous(t, recv, in.Sync)
}

func (m *Machine) execRecv(t *thread, in *prog.Instr) {
	send := m.blockedOn(waitSend, in.Sync)
	if send == nil {
		m.block(t, waitRecv, in.Sync)
		return
	}
	m.rendezvous(send, t, in.Sync)
}

// rendezvous completes an unbuffered channel exchange: the sender's
// clock snapshot flows into the receiver, and both sides advance past
// their channel instruction.
func (m *Machine) rendezvous(sender, receiver *thread, ch int) {
	id := racecheck.SyncID{Kind: racecheck.Channel, ID: ch}
	m.det.Send(sender.clock, id)
	m.det.Recv(receiver.clock, id)
	for _, t := range []*thread{sender, receiver} {
		t.state = stateRunnable
		t.wait = waitNone
		t.clock.Tick()
		t.ip++
		if t.ip >= len(t.code) {
			t.state = stateJoined
		}
	}
}

func raceDiag(c *racecheck.Conflict) *diag.Diagnostic {
	prev, curr := c.Prev, c.Curr
	return &diag.Diagnostic{
		Kind:   diag.DataRace,
		Alloc:  c.Alloc,
		Offset: c.Offset,
		Length: c.Length,
		Message: fmt.Sprintf("%s conflicts with unordered %s at bytes [%d:%d] of allocation a%d",
			curr, prev, c.Offset, c.Offset+c.Length, c.Alloc),
		Prev: &prev,
		Curr: &curr,
	}
}
