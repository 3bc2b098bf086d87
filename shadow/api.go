package shadow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/kolkov/shadowmachine/internal/machine/diag"
	"github.com/kolkov/shadowmachine/internal/machine/execlog"
	"github.com/kolkov/shadowmachine/internal/machine/interp"
	"github.com/kolkov/shadowmachine/internal/machine/prog"
	"github.com/kolkov/shadowmachine/internal/machine/sched"
)

// Diagnostic is one detected violation. See [Kind] for the taxonomy.
type Diagnostic = diag.Diagnostic

// Kind classifies a detected undefined behavior.
type Kind = diag.Kind

// The violation taxonomy. Every diagnostic carries exactly one of
// these.
const (
	UninitializedRead = diag.UninitializedRead
	UseAfterFree      = diag.UseAfterFree
	DoubleFree        = diag.DoubleFree
	OutOfBounds       = diag.OutOfBounds
	BorrowViolation   = diag.BorrowViolation
	MisalignedAccess  = diag.MisalignedAccess
	DataRace          = diag.DataRace
)

// Program is a loaded, validated trace.
type Program = prog.Program

// Config selects the engine's policies. The zero value is a working
// default: round-robin scheduling, halt on first fault, default step
// budget.
type Config struct {
	// ContinueOnFault keeps non-faulting threads running after a
	// violation instead of halting the whole run.
	ContinueOnFault bool `yaml:"continue_on_fault"`

	// MaxSteps bounds the total instruction count, 0 for the default.
	MaxSteps uint64 `yaml:"max_steps"`

	// Scheduler names the strategy: "roundrobin" (default) or "random".
	Scheduler string `yaml:"scheduler"`

	// Seed feeds the random scheduler; ignored otherwise. The same seed
	// reproduces the same schedule.
	Seed int64 `yaml:"seed"`

	// MaxSchedules caps Explore, 0 for the default.
	MaxSchedules int `yaml:"max_schedules"`

	// Logger receives execution tracing and diagnostics. Not part of
	// the YAML surface; nil discards all output.
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a Config from a YAML file. Missing fields keep
// their defaults; unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadTrace reads and validates a YAML trace.
func LoadTrace(r io.Reader) (*Program, error) {
	return prog.Load(r, nil)
}

// LoadTraceFile reads and validates the YAML trace at path.
func LoadTraceFile(path string) (*Program, error) {
	return prog.LoadFile(path, nil)
}

// NewLogger returns a logger suitable for [Config.Logger], writing
// text records to w at the given level and fanning out to any extra
// handlers.
func NewLogger(w io.Writer, level slog.Leveler, extra ...slog.Handler) *slog.Logger {
	return execlog.New(w, level, extra...)
}

// Report is the outcome of one run.
type Report struct {
	// Diagnostics are the detected violations in execution order.
	Diagnostics []Diagnostic

	// Steps is the number of instructions executed.
	Steps uint64
}

// Success reports whether the run completed without a violation.
func (r *Report) Success() bool { return len(r.Diagnostics) == 0 }

// ExploreReport is the outcome of an exhaustive schedule search.
type ExploreReport struct {
	// Diagnostics holds one representative of every distinct violation
	// any schedule produced.
	Diagnostics []Diagnostic

	// Schedules is how many complete schedules were executed.
	Schedules int

	// Truncated reports that the schedule cap was reached before the
	// search space was exhausted.
	Truncated bool
}

// Success reports whether no explored schedule produced a violation.
func (r *ExploreReport) Success() bool { return len(r.Diagnostics) == 0 }

// Engine runs programs under one configuration. An Engine is not safe
// for concurrent use; create one per goroutine.
type Engine struct {
	cfg   Config
	strat sched.Strategy
}

// New validates cfg and returns an engine.
func New(cfg Config) (*Engine, error) {
	strat, err := sched.New(cfg.Scheduler, cfg.Seed)
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, strat: strat}, nil
}

// Run interprets p to completion. Diagnostics are not errors: err is
// non-nil only for engine failures (deadlock, step budget, malformed
// schedule), and the Report is valid either way. Runs are
// deterministic: the same program and configuration produce the same
// Report.
func (e *Engine) Run(ctx context.Context, p *Program) (*Report, error) {
	e.strat.Reset()
	m, err := interp.New(p, e.machineConfig())
	if err != nil {
		return nil, err
	}
	res, err := m.Run(ctx)
	return &Report{Diagnostics: res.Diagnostics, Steps: res.Steps}, err
}

// Explore runs p under every schedule, depth first with visited-state
// pruning, and reports every distinct violation found. Exponential in
// thread-step count; bounded by [Config.MaxSchedules].
func (e *Engine) Explore(ctx context.Context, p *Program) (*ExploreReport, error) {
	res, err := interp.Explore(ctx, p, interp.ExploreConfig{
		Machine:      e.machineConfig(),
		MaxSchedules: e.cfg.MaxSchedules,
	})
	if err != nil {
		return nil, err
	}
	return &ExploreReport{
		Diagnostics: res.Diagnostics,
		Schedules:   res.Schedules,
		Truncated:   res.Truncated,
	}, nil
}

func (e *Engine) machineConfig() interp.Config {
	return interp.Config{
		ContinueOnFault: e.cfg.ContinueOnFault,
		MaxSteps:        e.cfg.MaxSteps,
		Strategy:        e.strat,
		Logger:          e.cfg.Logger,
	}
}
