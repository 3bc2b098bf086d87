// Package execlog builds the engine's structured loggers.
//
// Execution logs are attributed to the machine step and logical thread
// they were emitted under. Rather than threading both values through
// every call site, the interpreter stamps them into the context and a
// wrapping handler injects them into each record.
package execlog

import (
	"context"
	"io"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
)

type ctxKey int

const (
	stepKey ctxKey = iota
	threadKey
)

// WithStep returns ctx carrying the machine step counter.
func WithStep(ctx context.Context, step uint64) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithThread returns ctx carrying the logical thread id.
func WithThread(ctx context.Context, tid int) context.Context {
	return context.WithValue(ctx, threadKey, tid)
}

// Handler injects the step and thread from the context into every
// record before delegating.
type Handler struct {
	slog.Handler
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if v := ctx.Value(stepKey); v != nil {
		record.Add("step", v.(uint64))
	}
	if v := ctx.Value(threadKey); v != nil {
		record.Add("thread", v.(int))
	}
	return h.Handler.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name)}
}

// New returns a logger writing text records to w at the given level,
// fanned out to any extra handlers the caller supplies.
func New(w io.Writer, level slog.Leveler, extra ...slog.Handler) *slog.Logger {
	handlers := make([]slog.Handler, 0, 1+len(extra))
	handlers = append(handlers, slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	handlers = append(handlers, extra...)
	return slog.New(&Handler{
		Handler: slogmulti.Fanout(handlers...),
	})
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(&Handler{
		Handler: slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(127),
		}),
	})
}
