package logging

import (
	"context"
	"errors"
	"log/slog"
)

// Route is one destination of a Fanout. Records below Min never reach
// Handler; a nil Min defers entirely to Handler.Enabled. Min may be a
// *slog.LevelVar so a route can be raised or lowered while running.
type Route struct {
	Handler slog.Handler
	Min     slog.Leveler
}

func (r Route) accepts(ctx context.Context, level slog.Level) bool {
	if r.Min != nil && level < r.Min.Level() {
		return false
	}
	return r.Handler.Enabled(ctx, level)
}

// Fanout delivers each record to every route that accepts its level.
type Fanout struct {
	routes []Route
}

// NewFanout builds a handler over routes.
func NewFanout(routes ...Route) *Fanout {
	return &Fanout{routes: routes}
}

func (f *Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, r := range f.routes {
		if r.accepts(ctx, level) {
			return true
		}
	}
	return false
}

// Handle keeps going past a failing route and joins the errors.
func (f *Fanout) Handle(ctx context.Context, rec slog.Record) error {
	var errs []error
	for _, r := range f.routes {
		if !r.accepts(ctx, rec.Level) {
			continue
		}
		if err := r.Handler.Handle(ctx, rec.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f *Fanout) WithGroup(name string) slog.Handler {
	return f.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f *Fanout) derive(fn func(slog.Handler) slog.Handler) *Fanout {
	routes := make([]Route, len(f.routes))
	for i, r := range f.routes {
		routes[i] = Route{Handler: fn(r.Handler), Min: r.Min}
	}
	return &Fanout{routes: routes}
}
