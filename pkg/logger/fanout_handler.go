package logger

import (
	"context"
	"log/slog"
)

// fanoutHandler duplicates records to the console and file handlers. Each
// sink keeps its own level gate, so a debug-level file log can coexist with
// a quiet console.
type fanoutHandler struct {
	sinks []slog.Handler
}

func newFanoutHandler(sinks ...slog.Handler) slog.Handler {
	return &fanoutHandler{sinks: sinks}
}

func (f *fanoutHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, s := range f.sinks {
		if s.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

// Handle forwards to every sink enabled at the record's level. Sink errors
// are dropped; losing one log line must not fail the caller.
func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, s := range f.sinks {
		if s.Enabled(ctx, r.Level) {
			_ = s.Handle(ctx, r)
		}
	}
	return nil
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	children := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		children[i] = s.WithAttrs(attrs)
	}
	return &fanoutHandler{sinks: children}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	children := make([]slog.Handler, len(f.sinks))
	for i, s := range f.sinks {
		children[i] = s.WithGroup(name)
	}
	return &fanoutHandler{sinks: children}
}
