// Package shadow provides the public API for the shadow-state
// verification engine.
//
// The engine is an abstract-machine interpreter for lowered programs
// that operate on raw memory and logical threads. It executes a trace
// under full shadow instrumentation and reports, at the instruction
// that commits it, every occurrence of the undefined-behavior classes
// it tracks:
//
//   - UninitializedRead: a read covering a never-written byte
//   - UseAfterFree: an access through a dangling or freed pointer
//   - DoubleFree: deallocating an already freed allocation
//   - OutOfBounds: an access past the allocation's extent
//   - BorrowViolation: an access breaking the aliasing discipline
//   - MisalignedAccess: a typed access at a misaligned address
//   - DataRace: two unordered conflicting accesses, one a write
//
// # Quick Start
//
//	prog, err := shadow.LoadTraceFile("trace.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	eng, err := shadow.New(shadow.Config{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	report, err := eng.Run(context.Background(), prog)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, d := range report.Diagnostics {
//		fmt.Println(d)
//	}
//
// # How It Works
//
// Every allocation carries a unique provenance tag, a per-byte shadow
// record (initialization bit plus provenance), and a borrow stack of
// outstanding access permissions. Every logical thread carries a vector
// clock; synchronization instructions merge clocks along happens-before
// edges, and a FastTrack-style detector compares each access against
// the last recorded accesses of every covered byte. Execution is
// single-goroutine interpretation of the logical threads, which makes
// every detected violation deterministic and replayable.
//
// A violation is an observation, not an error: Run returns diagnostics
// as structured data and reserves its error result for engine-level
// failures such as deadlock or an exhausted step budget. Rendering the
// diagnostics for a terminal is the caller's concern.
//
// # Schedules
//
// The default scheduler is round-robin. A seeded random scheduler and
// an exhaustive-interleaving explorer are available through [Config]
// and [Engine.Explore]; the explorer is exponential in thread-step
// count and intended for small traces.
package shadow
