// Package interp drives instruction execution: it schedules logical
// threads, dispatches every memory and synchronization instruction
// through the shadow-state checks, and turns the first violation into a
// diagnostic.
//
// Execution is single-goroutine interpretation of multiple logical
// threads. The machine owns the sole scheduling authority; concurrency
// is simulated by interleaving instruction dispatch, which makes races
// observable deterministically and repeatably. The shadow state is
// mutated only from this one dispatch path, so none of it carries
// locking.
package interp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"

	"github.com/kolkov/shadowmachine/internal/machine/borrow"
	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/execlog"
	"github.com/kolkov/shadowmachine/internal/machine/mem"
	"github.com/kolkov/shadowmachine/internal/machine/prog"
	"github.com/kolkov/shadowmachine/internal/machine/racecheck"
	"github.com/kolkov/shadowmachine/internal/machine/sched"
)

// DefaultMaxSteps guards non-terminating traces when the configuration
// does not set its own budget.
const DefaultMaxSteps = 1 << 20

var (
	// ErrDeadlock is returned when no thread is runnable but at least one
	// is still blocked.
	ErrDeadlock = errors.New("deadlock: blocked threads cannot make progress")

	// ErrStepLimit is returned when the step budget is exhausted. Hitting
	// the budget is an engine error, not a diagnostic: the trace did not
	// exhibit undefined behavior, it failed to terminate.
	ErrStepLimit = errors.New("step budget exhausted")
)

// Config tunes one machine.
type Config struct {
	// ContinueOnFault keeps the remaining threads running after a
	// violation; only the faulting thread stops. The default halts the
	// whole run on the first fault.
	ContinueOnFault bool

	// MaxSteps bounds the total instruction count, 0 means
	// DefaultMaxSteps.
	MaxSteps uint64

	// Strategy picks the next thread to step, nil means round-robin.
	Strategy sched.Strategy

	// Logger receives instruction-level tracing at Debug and diagnostics
	// at Warn. Nil discards everything.
	Logger *slog.Logger
}

// Value is one virtual register: a numeric address plus the provenance
// and borrow tags that decide what it may touch. Non-pointer registers
// are the zero Value.
type Value struct {
	Addr   uint64
	Prov   mem.Tag
	Borrow borrow.Tag
	IsPtr  bool
}

type threadState uint8

const (
	// stateNew is a defined thread that has not been spawned yet.
	stateNew threadState = iota
	stateRunnable
	stateBlocked
	// stateJoined is terminal success: the thread ran out of code.
	stateJoined
	stateFaulted
	stateCancelled
)

var threadStateNames = [...]string{
	stateNew:       "new",
	stateRunnable:  "runnable",
	stateBlocked:   "blocked",
	stateJoined:    "joined",
	stateFaulted:   "faulted",
	stateCancelled: "cancelled",
}

func (s threadState) String() string { return threadStateNames[s] }

func (s threadState) terminal() bool {
	return s == stateJoined || s == stateFaulted || s == stateCancelled
}

// waitKind says what a blocked thread is waiting for.
type waitKind uint8

const (
	waitNone waitKind = iota
	waitJoin
	waitLock
	waitSend
	waitRecv
)

type thread struct {
	id    int
	state threadState
	ip    int
	code  []prog.Instr
	regs  [prog.MaxRegs]Value
	clock *racecheck.ThreadClock

	wait    waitKind
	waitArg int
}

// Machine interprets one program under one configuration.
type Machine struct {
	cfg   Config
	log   *slog.Logger
	prog  *prog.Program
	strat sched.Strategy

	table  *mem.Table
	btags  *borrow.TagSource
	stacks map[mem.Tag]*borrow.Stack
	det    *racecheck.Detector

	threads map[int]*thread
	order   []int

	// lockHolder maps a held lock id to the holding thread.
	lockHolder map[int]int

	globals Value

	diags []diag.Diagnostic
	steps uint64
}

// Result is the outcome of a run: the ordered diagnostics and the step
// count. A run with no diagnostics is a success.
type Result struct {
	Diagnostics []diag.Diagnostic
	Steps       uint64
}

// Success reports whether the run completed without a violation.
func (r *Result) Success() bool { return len(r.Diagnostics) == 0 }

// New returns a machine ready to run p. The program must validate.
func New(p *prog.Program, cfg Config) (*Machine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Strategy == nil {
		cfg.Strategy = sched.NewRoundRobin()
	}
	if cfg.Logger == nil {
		cfg.Logger = execlog.Nop()
	}
	m := &Machine{
		cfg:        cfg,
		log:        cfg.Logger,
		prog:       p,
		strat:      cfg.Strategy,
		table:      mem.NewTable(),
		btags:      borrow.NewTagSource(),
		stacks:     make(map[mem.Tag]*borrow.Stack),
		det:        racecheck.NewDetector(),
		threads:    make(map[int]*thread, len(p.Threads)),
		lockHolder: make(map[int]int),
	}
	for i := range p.Threads {
		tc := &p.Threads[i]
		m.threads[tc.ID] = &thread{id: tc.ID, code: tc.Code}
		m.order = append(m.order, tc.ID)
	}
	sort.Ints(m.order)

	// The distinguished global allocation exists before any thread runs.
	// Static initializers are modeled as having written every byte.
	if p.Globals > 0 {
		site := diag.SourceLoc{File: "<globals>", Line: 0}
		a := m.table.Allocate(p.Globals, 1, mem.Global, site)
		a.MarkWritten(0, a.Size)
		root := m.btags.Next()
		m.stacks[a.Tag] = borrow.NewStack(root)
		m.globals = Value{Addr: a.Base, Prov: a.Tag, Borrow: root, IsPtr: true}
	}

	entry := m.threads[p.Entry]
	entry.clock = racecheck.NewThreadClock(uint8(entry.id))
	m.start(entry)
	return m, nil
}

// start makes a thread eligible for scheduling, or terminal at once
// when it has no code.
func (m *Machine) start(t *thread) {
	if t.ip >= len(t.code) {
		t.state = stateJoined
		return
	}
	t.state = stateRunnable
}

// Runnable returns the sorted ids of the threads that can step now:
// Runnable threads plus Blocked threads whose wait condition cleared.
// Threads blocked in a channel rendezvous are completed by their
// partner and never appear here.
func (m *Machine) Runnable() []int {
	var ids []int
	for _, id := range m.order {
		t := m.threads[id]
		switch t.state {
		case stateRunnable:
			ids = append(ids, id)
		case stateBlocked:
			if m.waitCleared(t) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (m *Machine) waitCleared(t *thread) bool {
	switch t.wait {
	case waitJoin:
		return m.threads[t.waitArg].state.terminal()
	case waitLock:
		_, held := m.lockHolder[t.waitArg]
		return !held
	}
	// Channel waits clear only through the partner's step.
	return false
}

// Done reports whether the run is over: no thread can ever step again.
func (m *Machine) Done() bool {
	if len(m.Runnable()) > 0 {
		return false
	}
	for _, t := range m.threads {
		if t.state == stateBlocked {
			return false
		}
	}
	return true
}

// Deadlocked reports whether no thread is runnable while blocked
// threads remain.
func (m *Machine) Deadlocked() bool {
	return len(m.Runnable()) == 0 && !m.Done()
}

// Result returns the diagnostics and step count accumulated so far.
func (m *Machine) Result() *Result {
	return &Result{Diagnostics: m.diags, Steps: m.steps}
}

// Run interprets the program to completion under the configured
// strategy. The returned Result is valid even when err is non-nil;
// identical program, strategy and seed produce identical diagnostics.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return m.Result(), err
		}
		runnable := m.Runnable()
		if len(runnable) == 0 {
			if m.Done() {
				return m.Result(), nil
			}
			return m.Result(), ErrDeadlock
		}
		if m.steps >= m.cfg.MaxSteps {
			return m.Result(), fmt.Errorf("%w after %d steps", ErrStepLimit, m.steps)
		}
		id := m.strat.Pick(runnable)
		if err := m.StepThread(ctx, id); err != nil {
			return m.Result(), err
		}
	}
}

// StepThread executes one instruction of thread id, which must be in
// the current Runnable set. A returned error is an engine error (a
// malformed schedule), never a detected violation.
func (m *Machine) StepThread(ctx context.Context, id int) error {
	t := m.threads[id]
	if t == nil {
		return fmt.Errorf("unknown thread %d", id)
	}
	if t.state == stateBlocked && m.waitCleared(t) {
		t.state = stateRunnable
		t.wait = waitNone
	}
	if t.state != stateRunnable {
		return fmt.Errorf("thread %d is %s, not runnable", id, t.state)
	}
	m.steps++
	in := &t.code[t.ip]
	ctx = execlog.WithThread(execlog.WithStep(ctx, m.steps), t.id)
	m.log.DebugContext(ctx, "step", "op", in.Op.String(), "loc", in.Loc.String())
	if err := m.dispatch(ctx, t, in); err != nil {
		return fmt.Errorf("thread %d at %s: %w", t.id, in.Loc, err)
	}
	if t.state == stateRunnable && t.ip >= len(t.code) {
		t.state = stateJoined
	}
	return nil
}

// fault records a violation: the diagnostic is stamped with the
// faulting instruction and thread, the thread leaves the schedule, and
// under the default halt policy every other thread is cancelled.
func (m *Machine) fault(ctx context.Context, t *thread, in *prog.Instr, d *diag.Diagnostic) {
	d.Loc = in.Loc
	d.Thread = t.id
	m.diags = append(m.diags, *d)
	t.state = stateFaulted
	m.log.WarnContext(ctx, "violation", "kind", d.Kind.String(), "detail", d.String())
	if m.cfg.ContinueOnFault {
		return
	}
	for _, other := range m.threads {
		if !other.state.terminal() {
			other.state = stateCancelled
		}
	}
}

// block parks the thread on a wait condition without advancing its
// instruction pointer; the instruction re-executes when it is scheduled
// again.
func (m *Machine) block(t *thread, kind waitKind, arg int) {
	t.state = stateBlocked
	t.wait = kind
	t.waitArg = arg
}

// blockedOn returns the lowest-id thread blocked on the given channel
// operation, nil when none is.
func (m *Machine) blockedOn(kind waitKind, ch int) *thread {
	for _, id := range m.order {
		t := m.threads[id]
		if t.state == stateBlocked && t.wait == kind && t.waitArg == ch {
			return t
		}
	}
	return nil
}

// Fingerprint digests the machine's complete observable state: thread
// positions, registers and clocks, the allocation table, the borrow
// stacks, the race-detector state and the held locks. Two machines with
// equal fingerprints behave identically from here on; the exhaustive
// explorer prunes on it.
func (m *Machine) Fingerprint() string {
	h := fnv.New64a()
	var buf [8]byte
	for _, id := range m.order {
		t := m.threads[id]
		putUint64(&buf, uint64(id))
		h.Write(buf[:])
		h.Write([]byte{byte(t.state), byte(t.wait)})
		putUint64(&buf, uint64(t.ip))
		h.Write(buf[:])
		putUint64(&buf, uint64(t.waitArg))
		h.Write(buf[:])
		for _, v := range t.regs {
			if !v.IsPtr && v.Addr == 0 {
				continue
			}
			putUint64(&buf, v.Addr)
			h.Write(buf[:])
			putUint64(&buf, uint64(v.Prov))
			h.Write(buf[:])
			putUint64(&buf, uint64(v.Borrow))
			h.Write(buf[:])
		}
		if t.clock != nil {
			t.clock.C.Fingerprint(h)
		}
	}
	m.table.Fingerprint(h)
	tags := make([]mem.Tag, 0, len(m.stacks))
	for tag := range m.stacks {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, tag := range tags {
		putUint64(&buf, uint64(tag))
		h.Write(buf[:])
		m.stacks[tag].Fingerprint(h)
	}
	m.det.Fingerprint(h)
	locks := make([]int, 0, len(m.lockHolder))
	for l := range m.lockHolder {
		locks = append(locks, l)
	}
	sort.Ints(locks)
	for _, l := range locks {
		putUint64(&buf, uint64(l))
		h.Write(buf[:])
		putUint64(&buf, uint64(m.lockHolder[l]))
		h.Write(buf[:])
	}
	putUint64(&buf, uint64(len(m.diags)))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

func putUint64(buf *[8]byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}
