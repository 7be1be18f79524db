package utils

import (
	"context"
	"log/slog"

	"go.uber.org/multierr"
)

// FanoutHandler duplicates records onto several slog handlers, so the
// CLI can log to the terminal and a file at once. Level gating stays
// with each target: a record reaches exactly the targets whose level
// admits it.
type FanoutHandler struct {
	targets []slog.Handler
}

var _ slog.Handler = (*FanoutHandler)(nil)

func NewFanoutHandler(targets ...slog.Handler) *FanoutHandler {
	return &FanoutHandler{targets: targets}
}

// fanout rebuilds the handler with one target derived from each current
// one, preserving per-target state for WithAttrs and WithGroup.
func (h *FanoutHandler) fanout(derive func(slog.Handler) slog.Handler) *FanoutHandler {
	next := &FanoutHandler{targets: make([]slog.Handler, len(h.targets))}
	for i, target := range h.targets {
		next.targets[i] = derive(target)
	}
	return next
}

// Enabled reports true when any target would accept the level.
func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, target := range h.targets {
		if target.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to every enabled target. One failing
// target does not stop the others; their errors are combined.
func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs error
	for _, target := range h.targets {
		if !target.Enabled(ctx, r.Level) {
			continue
		}
		errs = multierr.Append(errs, target.Handle(ctx, r.Clone()))
	}
	return errs
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.fanout(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	return h.fanout(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}
