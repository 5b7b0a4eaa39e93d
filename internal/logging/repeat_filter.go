package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

// RepeatFilter suppresses identical records (same level, message and
// attributes) that recur within a window. The next record emitted after the
// window carries a "suppressed" attribute with the number of dropped copies.
//
// Storage faults are the main customer: a page in private browsing mode fails
// every write, and one warning per window is enough.
type RepeatFilter struct {
	handler slog.Handler
	state   *repeatState
}

type repeatState struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	seen   map[uint64]*repeatEntry
}

type repeatEntry struct {
	emittedAt  time.Time
	suppressed int
}

// NewRepeatFilter wraps handler. A nil clk uses the wall clock.
func NewRepeatFilter(handler slog.Handler, window time.Duration, clk clock.Clock) *RepeatFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &RepeatFilter{
		handler: handler,
		state: &repeatState{
			clock:  clk,
			window: window,
			seen:   make(map[uint64]*repeatEntry),
		},
	}
}

func (h *RepeatFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *RepeatFilter) Handle(ctx context.Context, r slog.Record) error {
	key := hashRecord(r)
	now := h.state.clock.Now()

	h.state.mu.Lock()
	entry, ok := h.state.seen[key]
	if ok && now.Sub(entry.emittedAt) < h.state.window {
		entry.suppressed++
		h.state.mu.Unlock()
		return nil
	}
	suppressed := 0
	if ok {
		suppressed = entry.suppressed
	}
	h.state.seen[key] = &repeatEntry{emittedAt: now}
	h.state.pruneLocked(now)
	h.state.mu.Unlock()

	if suppressed > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("suppressed", suppressed))
	}
	return h.handler.Handle(ctx, r)
}

func (h *RepeatFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RepeatFilter{handler: h.handler.WithAttrs(attrs), state: h.state}
}

func (h *RepeatFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &RepeatFilter{handler: h.handler.WithGroup(name), state: h.state}
}

// pruneLocked forgets entries whose window closed with nothing suppressed.
func (s *repeatState) pruneLocked(now time.Time) {
	if len(s.seen) < 256 {
		return
	}
	for k, e := range s.seen {
		if e.suppressed == 0 && now.Sub(e.emittedAt) >= s.window {
			delete(s.seen, k)
		}
	}
}

// hashRecord hashes level, message and attributes, ignoring the timestamp.
func hashRecord(r slog.Record) uint64 {
	hash := xxhash.New()

	hash.WriteString(r.Level.String())
	hash.WriteString("|")
	hash.WriteString(r.Message)
	hash.WriteString("|")

	r.Attrs(func(a slog.Attr) bool {
		hash.WriteString(a.Key)
		hash.WriteString("=")
		hash.WriteString(a.Value.String())
		hash.WriteString("|")
		return true
	})

	return hash.Sum64()
}
