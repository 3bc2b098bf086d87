// Package sched picks which runnable thread the engine steps next.
//
// Strategies are deterministic given their construction parameters, so
// any run can be reproduced exactly. The engine hands Pick the sorted
// set of runnable thread ids and steps the one it returns.
package sched

import (
	"fmt"
	"math/rand"
)

// Strategy selects the next thread to step.
type Strategy interface {
	// Pick returns the id to step next. The runnable slice is sorted,
	// non-empty, and must not be retained.
	Pick(runnable []int) int

	// Reset returns the strategy to its initial state so the same
	// schedule replays from the start.
	Reset()
}

// RoundRobin cycles through thread ids in order, resuming after the
// thread it last picked.
type RoundRobin struct {
	last int
}

// NewRoundRobin returns the default strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{last: -1}
}

func (r *RoundRobin) Pick(runnable []int) int {
	for _, id := range runnable {
		if id > r.last {
			r.last = id
			return id
		}
	}
	r.last = runnable[0]
	return runnable[0]
}

func (r *RoundRobin) Reset() { r.last = -1 }

// Random picks uniformly among the runnable threads using a seeded
// source. The same seed yields the same schedule.
type Random struct {
	seed int64
	rng  *rand.Rand
}

// NewRandom returns a randomized strategy for the given seed.
func NewRandom(seed int64) *Random {
	return &Random{seed: seed, rng: rand.New(rand.NewSource(seed))}
}

func (r *Random) Pick(runnable []int) int {
	return runnable[r.rng.Intn(len(runnable))]
}

func (r *Random) Reset() { r.rng = rand.New(rand.NewSource(r.seed)) }

// Replay follows a fixed list of choices. The exhaustive explorer uses
// it to re-execute a prefix before diverging; each choice is an index
// into the runnable set at that step, not a thread id, so a prefix
// stays meaningful across runs that reach the same states.
type Replay struct {
	choices []int
	pos     int
}

// NewReplay returns a strategy that follows choices and then falls back
// to the first runnable thread.
func NewReplay(choices []int) *Replay {
	return &Replay{choices: choices}
}

func (r *Replay) Pick(runnable []int) int {
	if r.pos >= len(r.choices) {
		return runnable[0]
	}
	i := r.choices[r.pos]
	r.pos++
	if i >= len(runnable) {
		i = len(runnable) - 1
	}
	return runnable[i]
}

func (r *Replay) Reset() { r.pos = 0 }

// Exhausted reports whether every recorded choice has been consumed.
func (r *Replay) Exhausted() bool { return r.pos >= len(r.choices) }

// New constructs the named strategy. Known names are "roundrobin" and
// "random".
func New(name string, seed int64) (Strategy, error) {
	switch name {
	case "", "roundrobin":
		return NewRoundRobin(), nil
	case "random":
		return NewRandom(seed), nil
	}
	return nil, fmt.Errorf("unknown scheduler %q", name)
}
