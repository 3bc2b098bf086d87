package interp

import (
	"context"
	"fmt"

	set "github.com/hashicorp/go-set"

	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/prog"
)

// ExploreConfig bounds an exhaustive schedule search.
type ExploreConfig struct {
	// Machine is the per-run configuration. Its Strategy is ignored: the
	// explorer drives scheduling itself.
	Machine Config

	// MaxSchedules caps the number of complete schedules executed, 0
	// means DefaultMaxSchedules. The search is exponential in the
	// thread-step count; the cap turns a blowup into a truncated result
	// instead of a hang.
	MaxSchedules int
}

// DefaultMaxSchedules bounds the search when the caller sets no cap.
const DefaultMaxSchedules = 100_000

// ExploreResult summarizes a schedule search.
type ExploreResult struct {
	// Diagnostics holds one representative of every distinct violation
	// found across all schedules, deduplicated by site.
	Diagnostics []diag.Diagnostic

	// FaultySchedule is the choice sequence of the first faulting
	// schedule: one index into the sorted runnable set per step,
	// replayable with sched.NewReplay. Nil when no schedule faulted.
	FaultySchedule []int

	// Schedules is how many complete schedules were executed.
	Schedules int

	// Pruned is how many branch points were skipped because their
	// machine state had already been explored.
	Pruned int

	// Truncated reports that MaxSchedules was reached before the search
	// space was exhausted.
	Truncated bool
}

// Success reports whether no schedule produced a violation.
func (r *ExploreResult) Success() bool { return len(r.Diagnostics) == 0 }

// Explore runs p under every schedule, depth first, pruning branch
// points whose complete machine state was already visited: permutations
// of independent steps converge to identical states and are explored
// once. Deadlocked schedules count as complete; they yield no
// diagnostics. Opt-in only; the default strategies stay linear.
func Explore(ctx context.Context, p *prog.Program, cfg ExploreConfig) (*ExploreResult, error) {
	if cfg.MaxSchedules == 0 {
		cfg.MaxSchedules = DefaultMaxSchedules
	}
	res := &ExploreResult{}
	visited := set.New[string](256)
	seen := set.New[string](16)

	// Each pending entry is a schedule prefix: one choice index per
	// step, including forced steps with a single runnable thread.
	pending := [][]int{nil}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if res.Schedules >= cfg.MaxSchedules {
			res.Truncated = true
			return res, nil
		}
		prefix := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		schedule, err := runPrefix(ctx, p, cfg, prefix, visited, &pending, res)
		if err != nil {
			return res, err
		}
		if schedule == nil {
			continue
		}
		res.Schedules++
		m := schedule.machine
		for _, d := range m.diags {
			if seen.Insert(d.Key()) {
				res.Diagnostics = append(res.Diagnostics, d)
			}
		}
		if len(m.diags) > 0 && res.FaultySchedule == nil {
			res.FaultySchedule = schedule.choices
		}
	}
	return res, nil
}

// completedRun is one schedule executed to the end.
type completedRun struct {
	machine *Machine
	choices []int
}

// runPrefix replays a choice prefix on a fresh machine and then runs
// forward, branching at every step with more than one runnable thread.
// It returns nil when the run was abandoned at a pruned branch point.
func runPrefix(ctx context.Context, p *prog.Program, cfg ExploreConfig, prefix []int, visited *set.Set[string], pending *[][]int, res *ExploreResult) (*completedRun, error) {
	m, err := New(p, cfg.Machine)
	if err != nil {
		return nil, err
	}
	choices := append([]int(nil), prefix...)
	for i := 0; ; i++ {
		runnable := m.Runnable()
		if len(runnable) == 0 {
			// Completed or deadlocked: either way the schedule is over.
			return &completedRun{machine: m, choices: choices}, nil
		}
		if m.steps >= m.cfg.MaxSteps {
			return nil, fmt.Errorf("%w after %d steps", ErrStepLimit, m.steps)
		}
		var choice int
		switch {
		case i < len(prefix):
			choice = prefix[i]
			if choice >= len(runnable) {
				return nil, fmt.Errorf("schedule prefix diverged at step %d", i)
			}
		case len(runnable) == 1:
			choice = 0
			choices = append(choices, 0)
		default:
			// Fresh branch point: prune if this state was fully explored
			// from an earlier prefix, else queue the siblings and take
			// the first branch ourselves.
			if !visited.Insert(m.Fingerprint()) {
				res.Pruned++
				return nil, nil
			}
			for alt := len(runnable) - 1; alt >= 1; alt-- {
				branch := append(append([]int(nil), choices...), alt)
				*pending = append(*pending, branch)
			}
			choice = 0
			choices = append(choices, 0)
		}
		if err := m.StepThread(ctx, runnable[choice]); err != nil {
			return nil, err
		}
	}
}
