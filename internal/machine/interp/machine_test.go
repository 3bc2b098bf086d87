package interp

import (
	"context"
	"strings"
	"testing"

	"github.com/kolkov/shadowmachine/internal/machine/borrow"
	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/prog"
)

// run executes p to completion and fails the test on engine errors.
func run(t *testing.T, p *prog.Program, cfg Config) *Result {
	t.Helper()
	m, err := New(p, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// wantOnly asserts the run produced exactly one diagnostic of the kind.
func wantOnly(t *testing.T, res *Result, kind diag.Kind) diag.Diagnostic {
	t.Helper()
	if len(res.Diagnostics) != 1 {
		t.Fatalf("got %d diagnostics %v, want one %s", len(res.Diagnostics), res.Diagnostics, kind)
	}
	d := res.Diagnostics[0]
	if d.Kind != kind {
		t.Fatalf("diagnostic = %s, want %s", d, kind)
	}
	return d
}

func TestRun_ReadBeforeWrite_UninitializedRead(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Load(0, 0, 1, 1).
		MustBuild()
	d := wantOnly(t, run(t, p, Config{}), diag.UninitializedRead)
	if d.Offset != 0 || d.Length != 1 {
		t.Errorf("byte range = [%d:%d], want [0:1]", d.Offset, d.Offset+d.Length)
	}
	if d.Thread != 0 {
		t.Errorf("thread = %d, want 0", d.Thread)
	}
	if d.Loc.IsZero() {
		t.Error("diagnostic has no source location")
	}
}

func TestRun_WriteThenRead_Succeeds(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 0, 4, 4).
		Load(0, 0, 4, 4).
		Free(0).
		MustBuild()
	res := run(t, p, Config{})
	if !res.Success() {
		t.Fatalf("diagnostics = %v, want none", res.Diagnostics)
	}
	if res.Steps != 4 {
		t.Errorf("Steps = %d, want 4", res.Steps)
	}
}

func TestRun_PartialWrite_ReadOfUntouchedByteFaults(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 0, 2, 2).
		Load(0, 0, 4, 4).
		MustBuild()
	d := wantOnly(t, run(t, p, Config{}), diag.UninitializedRead)
	if d.Offset != 2 {
		t.Errorf("first uninitialized byte = %d, want 2", d.Offset)
	}
}

func TestRun_OddAddress_MisalignedAccess(t *testing.T) {
	// A two-byte typed read at an odd address faults regardless of the
	// memory content: the bytes are fully initialized here.
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 0, 4, 4).
		PtrAdd(1, 0, 1).
		Load(1, 0, 2, 2).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.MisalignedAccess)
}

func TestRun_FreeThenDeref_UseAfterFree(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 0, 4, 4).
		Copy(1, 0).
		Free(0).
		Load(1, 0, 1, 1).
		MustBuild()
	d := wantOnly(t, run(t, p, Config{}), diag.UseAfterFree)
	if d.Alloc != 1 {
		t.Errorf("alloc = a%d, want a1", d.Alloc)
	}
}

func TestRun_FreeTwice_DoubleFree(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Copy(1, 0).
		Free(0).
		Free(1).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.DoubleFree)
}

func TestRun_StorePastEnd_OutOfBounds(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 4, 1, 1).
		MustBuild()
	d := wantOnly(t, run(t, p, Config{}), diag.OutOfBounds)
	if d.Offset != 4 {
		t.Errorf("offset = %d, want 4", d.Offset)
	}
}

func TestRun_NegativeOffset_OutOfBounds(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		PtrAdd(1, 0, -1).
		Store(1, 0, 1, 1).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.OutOfBounds)
}

func TestRun_AddrCastStripsProvenance(t *testing.T) {
	// A pointer -> integer -> pointer round trip keeps the address but
	// loses the right to use it.
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 0, 4, 4).
		AddrCast(1, 0).
		Load(1, 0, 1, 1).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.UseAfterFree)
}

func TestRun_UniqueReborrowInvalidatesEarlierShared(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Store(0, 0, 4, 4).
		Retag(1, 0, borrow.Shared, false).
		Retag(2, 0, borrow.Unique, false).
		Load(1, 0, 1, 1).
		MustBuild()
	d := wantOnly(t, run(t, p, Config{}), diag.BorrowViolation)
	if !strings.Contains(d.Message, "invalidated") {
		t.Errorf("message = %q", d.Message)
	}
}

func TestRun_WriteThroughSharedBorrow_BorrowViolation(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Retag(1, 0, borrow.Shared, false).
		Store(1, 0, 1, 1).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.BorrowViolation)
}

func TestRun_WriteBelowProtectedBorrow_BorrowViolation(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Retag(1, 0, borrow.Unique, true).
		Store(0, 0, 1, 1).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.BorrowViolation)
}

func TestRun_UnprotectLiftsTheLoan(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Retag(1, 0, borrow.Unique, true).
		Store(1, 0, 4, 4).
		Unprotect(1).
		Store(0, 0, 1, 1).
		MustBuild()
	if res := run(t, p, Config{}); !res.Success() {
		t.Fatalf("diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestRun_FreeUnderProtectedLoan_BorrowViolation(t *testing.T) {
	p := prog.NewBuilder().
		Alloc(0, 4, 4).
		Retag(1, 0, borrow.Unique, true).
		Free(0).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.BorrowViolation)
}

// racyProgram has two threads writing the same global byte with no
// synchronization after the spawn.
func racyProgram() *prog.Program {
	return prog.NewBuilder().
		Globals(1).
		Thread(0).
		Global(0).
		Spawn(1).
		Store(0, 0, 1, 1).
		Thread(1).
		Global(0).
		Store(0, 0, 1, 1).
		MustBuild()
}

func TestRun_UnsynchronizedWrites_DataRace(t *testing.T) {
	d := wantOnly(t, run(t, racyProgram(), Config{}), diag.DataRace)
	if d.Prev == nil || d.Curr == nil {
		t.Fatal("race diagnostic missing access records")
	}
	if d.Prev.Thread == d.Curr.Thread {
		t.Errorf("both accesses attributed to thread %d", d.Curr.Thread)
	}
	if d.Prev.Kind != diag.AccessWrite || d.Curr.Kind != diag.AccessWrite {
		t.Errorf("accesses = %s / %s, want writes", d.Prev, d.Curr)
	}
}

func TestRun_JoinOrdersWrites_NoRace(t *testing.T) {
	p := prog.NewBuilder().
		Globals(1).
		Thread(0).
		Spawn(1).
		Join(1).
		Global(0).
		Store(0, 0, 1, 1).
		Thread(1).
		Global(0).
		Store(0, 0, 1, 1).
		MustBuild()
	if res := run(t, p, Config{}); !res.Success() {
		t.Fatalf("diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestRun_LockOrdersWrites_NoRace(t *testing.T) {
	p := prog.NewBuilder().
		Globals(1).
		Thread(0).
		Global(0).
		Spawn(1).
		Acquire(0).
		Store(0, 0, 1, 1).
		Release(0).
		Thread(1).
		Acquire(0).
		Global(0).
		Store(0, 0, 1, 1).
		Release(0).
		MustBuild()
	if res := run(t, p, Config{}); !res.Success() {
		t.Fatalf("diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestRun_ChannelOrdersWriteBeforeRead_NoRace(t *testing.T) {
	p := prog.NewBuilder().
		Globals(1).
		Thread(0).
		Global(0).
		Spawn(1).
		Store(0, 0, 1, 1).
		Send(0).
		Thread(1).
		Recv(0).
		Global(0).
		Load(0, 0, 1, 1).
		MustBuild()
	if res := run(t, p, Config{}); !res.Success() {
		t.Fatalf("diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestRun_ConcurrentWriterAndReader_DataRace(t *testing.T) {
	p := prog.NewBuilder().
		Globals(1).
		Thread(0).
		Global(0).
		Spawn(1).
		Store(0, 0, 1, 1).
		Thread(1).
		Global(0).
		Load(0, 0, 1, 1).
		MustBuild()
	wantOnly(t, run(t, p, Config{}), diag.DataRace)
}

func TestRun_ConcurrentReaders_Succeed(t *testing.T) {
	// Globals are initialized at machine creation, so both threads only
	// read: reads never race with reads.
	p := prog.NewBuilder().
		Globals(1).
		Thread(0).
		Global(0).
		Spawn(1).
		Load(0, 0, 1, 1).
		Thread(1).
		Global(0).
		Load(0, 0, 1, 1).
		MustBuild()
	if res := run(t, p, Config{}); !res.Success() {
		t.Fatalf("diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestRun_HaltOnFirstFault_CancelsOtherThreads(t *testing.T) {
	p := prog.NewBuilder().
		Thread(0).
		Spawn(1).
		Alloc(0, 4, 4).
		Load(0, 0, 1, 1).
		Thread(1).
		Alloc(0, 4, 4).
		Load(0, 0, 1, 1).
		MustBuild()
	res := run(t, p, Config{})
	if len(res.Diagnostics) != 1 {
		t.Fatalf("got %d diagnostics, want 1 under the halt policy", len(res.Diagnostics))
	}
}

func TestRun_ContinueOnFault_CollectsEveryThreadsFault(t *testing.T) {
	p := prog.NewBuilder().
		Thread(0).
		Spawn(1).
		Alloc(0, 4, 4).
		Load(0, 0, 1, 1).
		Thread(1).
		Alloc(0, 4, 4).
		Load(0, 0, 1, 1).
		MustBuild()
	res := run(t, p, Config{ContinueOnFault: true})
	if len(res.Diagnostics) != 2 {
		t.Fatalf("got %d diagnostics %v, want 2", len(res.Diagnostics), res.Diagnostics)
	}
	threads := map[int]bool{}
	for _, d := range res.Diagnostics {
		if d.Kind != diag.UninitializedRead {
			t.Errorf("kind = %s, want UninitializedRead", d.Kind)
		}
		threads[d.Thread] = true
	}
	if !threads[0] || !threads[1] {
		t.Errorf("faulting threads = %v, want both", threads)
	}
}

func TestRun_ReceiveWithNoSender_Deadlock(t *testing.T) {
	p := prog.NewBuilder().Recv(0).MustBuild()
	m, err := New(p, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Run(context.Background()); err != ErrDeadlock {
		t.Fatalf("err = %v, want ErrDeadlock", err)
	}
	if !m.Deadlocked() {
		t.Error("Deadlocked() = false")
	}
}

func TestRun_StepBudget(t *testing.T) {
	p := prog.NewBuilder().
		Nop().Nop().Nop().Nop().
		MustBuild()
	m, err := New(p, Config{MaxSteps: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "step budget") {
		t.Fatalf("err = %v, want step budget error", err)
	}
	// The budget is an engine error, not a violation.
	if !res.Success() {
		t.Errorf("diagnostics = %v, want none", res.Diagnostics)
	}
}

func TestRun_SpawnTwice_EngineError(t *testing.T) {
	p := prog.NewBuilder().
		Thread(0).
		Spawn(1).
		Join(1).
		Spawn(1).
		Thread(1).
		Nop().
		MustBuild()
	m, err := New(p, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "already started") {
		t.Fatalf("err = %v, want double-spawn error", err)
	}
}

func TestRun_ReleaseUnheldLock_EngineError(t *testing.T) {
	p := prog.NewBuilder().Release(0).MustBuild()
	m, err := New(p, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "not held") {
		t.Fatalf("err = %v, want release error", err)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := New(prog.NewBuilder().Nop().MustBuild(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Run(ctx); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRun_Idempotent(t *testing.T) {
	first := run(t, racyProgram(), Config{})
	second := run(t, racyProgram(), Config{})
	if len(first.Diagnostics) != len(second.Diagnostics) {
		t.Fatalf("runs differ: %d vs %d diagnostics", len(first.Diagnostics), len(second.Diagnostics))
	}
	for i := range first.Diagnostics {
		if first.Diagnostics[i].Key() != second.Diagnostics[i].Key() {
			t.Errorf("diagnostic %d differs: %s vs %s", i, first.Diagnostics[i], second.Diagnostics[i])
		}
	}
}

func TestFingerprint_DeterministicAndStateSensitive(t *testing.T) {
	a, err := New(racyProgram(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(racyProgram(), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fresh machines disagree")
	}
	before := a.Fingerprint()
	if err := a.StepThread(context.Background(), 0); err != nil {
		t.Fatalf("StepThread: %v", err)
	}
	if a.Fingerprint() == before {
		t.Error("fingerprint unchanged after a step")
	}
}
