package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/beacon/internal/action"
	"github.com/syntrixbase/beacon/internal/browser"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/funnel"
	"github.com/syntrixbase/beacon/internal/logging"
	"github.com/syntrixbase/beacon/internal/queue"
	"github.com/syntrixbase/beacon/internal/storage"
	"github.com/syntrixbase/beacon/internal/workflow"
)

const pageHTML = `<html><body>
<header><a class="logo" href="/">Shop</a></header>
<main>
  <button id="buy" class="cta"><span class="label">Buy now</span></button>
  <a id="help" href="/help">Help</a>
</main>
</body></html>`

type collector struct {
	mu      sync.Mutex
	batches []events.Batch
}

func (c *collector) Transport() string { return "collector" }

func (c *collector) Send(_ context.Context, b events.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return nil
}

func (c *collector) Events() []events.TrackedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.TrackedEvent
	for _, b := range c.batches {
		out = append(out, b.Events...)
	}
	return out
}

func (c *collector) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type finished struct {
	execution *Execution
	outcome   action.Outcome
}

type harness struct {
	engine *Engine
	window *browser.Window
	clock  *clock.Mock
	store  *storage.Adapter
	sink   *collector

	mu       sync.Mutex
	finished []finished
	lines    []string
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))

	h := &harness{clock: clk, sink: &collector{}}
	h.store = storage.NewAdapter(storage.NewMemory(), storage.NewMemory(),
		storage.WithClock(clk), storage.WithLogger(logging.Discard()))
	h.window = browser.NewWindow("Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0)", clk)

	q := queue.New(h.sink, queue.Options{Clock: clk, Logger: logging.Discard()})
	opts := Options{
		WebsiteID: "site-1",
		Store:     h.store,
		Queue:     q,
		Window:    h.window,
		Clock:     clk,
		Logger:    logging.Discard(),
		Debug:     h.debug,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	e, err := New(opts)
	require.NoError(t, err)
	e.OnOutcome(func(x *Execution, out action.Outcome) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.finished = append(h.finished, finished{x, out})
	})
	e.Start()
	h.engine = e

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return h
}

func (h *harness) debug(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, line)
}

func (h *harness) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func (h *harness) Finished() []finished {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]finished(nil), h.finished...)
}

// executed counts finished executions of workflowID.
func (h *harness) executed(workflowID string) int {
	n := 0
	for _, f := range h.Finished() {
		if f.execution.WorkflowID == workflowID {
			n++
		}
	}
	return n
}

func (h *harness) load(t *testing.T, raw string) int {
	t.Helper()
	var defs []workflow.Definition
	require.NoError(t, json.Unmarshal([]byte(raw), &defs))
	return h.engine.Load(defs)
}

func (h *harness) visit(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, h.engine.Navigate(browser.Load{URL: "https://shop.example" + path, HTML: pageHTML}))
}

// settle waits for in-flight dispatches without advancing time.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Wait(ctx))
}

// advanceUntil moves the mock clock forward in steps until cond holds.
func (h *harness) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		h.clock.Add(step)
		return cond()
	}, 5*time.Second, time.Millisecond)
}

func TestEngine_PageViewTrackEvent(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.load(t, `[{
		"id": "wf-track",
		"trigger": {"type": "page_view"},
		"actions": [{"type": "track_event", "eventType": "promo_seen", "properties": {"slot": "hero"}}]
	}]`))

	h.visit(t, "/")
	h.settle(t)

	h.advanceUntil(t, 10*time.Millisecond, func() bool { return h.sink.Batches() > 0 })
	h.clock.Add(time.Second)

	got := h.sink.Events()
	require.Len(t, got, 1)
	assert.Equal(t, 1, h.sink.Batches())

	ev := got[0]
	id := h.engine.Identity()
	assert.Equal(t, "promo_seen", ev.EventType)
	assert.Equal(t, "site-1", ev.WebsiteID)
	assert.Equal(t, id.VisitorID, ev.VisitorID)
	assert.Equal(t, id.SessionID, ev.SessionID)
	assert.Equal(t, "https://shop.example/", ev.Page)
	assert.Equal(t, "hero", ev.Properties["slot"])
	assert.Equal(t, "wf-track", ev.Properties["workflowId"])

	require.Len(t, h.Finished(), 1)
	assert.Equal(t, StateCompleted, h.Finished()[0].execution.State)
}

func TestEngine_OncePerSessionOnSharedClick(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 2, h.load(t, `[
		{"id": "wf-a", "trigger": {"type": "element_click", "selector": "#buy"}, "frequency": "once_per_session",
		 "actions": [{"type": "show_notification", "body": "A"}]},
		{"id": "wf-b", "trigger": {"type": "element_click", "selector": "button.cta"}, "frequency": "once_per_session",
		 "actions": [{"type": "show_notification", "body": "B"}]}
	]`))
	h.visit(t, "/product")

	h.engine.Click("#buy .label")
	h.settle(t)
	assert.Equal(t, 1, h.executed("wf-a"))
	assert.Equal(t, 1, h.executed("wf-b"))

	h.engine.Click("#buy")
	h.settle(t)
	assert.Equal(t, 1, h.executed("wf-a"))
	assert.Equal(t, 1, h.executed("wf-b"))

	var overlays int
	h.window.ViewDocument(func() {
		overlays = h.window.Page().Document.Find(".beacon-notification").Length()
	})
	assert.Equal(t, 2, overlays)
}

func TestEngine_OnceEver(t *testing.T) {
	h := newHarness(t)
	h.load(t, `[{"id": "wf-once", "trigger": {"type": "page_view"}, "frequency": "once_ever",
		"actions": [{"type": "show_banner", "title": "Welcome"}]}]`)

	h.visit(t, "/")
	h.visit(t, "/pricing")
	h.clock.Add(2 * time.Hour)
	h.visit(t, "/")
	h.settle(t)

	assert.Equal(t, 1, h.executed("wf-once"))
}

func TestEngine_OncePerSessionRefiresAfterRollover(t *testing.T) {
	h := newHarness(t)
	h.load(t, `[{"id": "wf-session", "trigger": {"type": "page_view"}, "frequency": "once_per_session",
		"actions": [{"type": "show_modal", "title": "Hi", "body": "Welcome back"}]}]`)

	h.visit(t, "/")
	first := h.engine.Identity().SessionID
	h.visit(t, "/pricing")
	h.settle(t)
	assert.Equal(t, 1, h.executed("wf-session"))

	h.clock.Add(31 * time.Minute)
	h.visit(t, "/")
	h.settle(t)

	assert.NotEqual(t, first, h.engine.Identity().SessionID)
	assert.Equal(t, 2, h.executed("wf-session"))
}

func TestEngine_WebhookFailureKeepsEarlierActions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.load(t, `[{"id": "wf-hook", "trigger": {"type": "page_view"},
		"actions": [
			{"type": "show_modal", "title": "Offer", "body": "10% off"},
			{"type": "webhook", "url": "`+srv.URL+`/hook"}
		]}]`)

	h.visit(t, "/")
	h.advanceUntil(t, time.Second, func() bool { return len(h.Finished()) == 1 })

	f := h.Finished()[0]
	assert.Equal(t, StateFailed, f.execution.State)
	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, f.outcome.Results, 2)
	assert.Equal(t, action.StatusDone, f.outcome.Results[0].Status)
	assert.Equal(t, action.StatusFailed, f.outcome.Results[1].Status)
	assert.Equal(t, 3, f.outcome.Results[1].Attempts)

	var modals int
	h.window.ViewDocument(func() {
		modals = action.Overlays(h.window.Page().Document, "wf-hook").Length()
	})
	assert.Equal(t, 1, modals)
}

func TestEngine_FunnelOutOfOrder(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.engine.LoadFunnels([]workflow.Funnel{{
		ID: "signup",
		Steps: []workflow.StepMatcher{
			{Kind: workflow.StepPage, Pattern: "/start"},
			{Kind: workflow.StepPage, Pattern: "/details"},
			{Kind: workflow.StepPage, Pattern: "/done"},
		},
	}}))
	h.load(t, `[{"id": "wf-step2", "trigger": {"type": "funnel_step", "funnelId": "signup", "stepIndex": 2},
		"actions": [{"type": "show_notification", "body": "Almost there"}]}]`)

	h.visit(t, "/start")
	h.visit(t, "/done")
	h.settle(t)
	assert.Zero(t, h.executed("wf-step2"))

	h.visit(t, "/details")
	h.settle(t)

	p, ok := h.engine.Funnels().Progress(h.engine.Identity().VisitorID, "signup")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, p.CompletedSteps)
	assert.Equal(t, funnel.StatusOpen, p.Status)
	assert.Equal(t, 1, h.executed("wf-step2"))

	h.advanceUntil(t, 10*time.Millisecond, func() bool { return len(h.sink.Events()) >= 2 })
	var steps int
	for _, ev := range h.sink.Events() {
		if ev.EventType == events.TypeFunnelStep {
			steps++
		}
	}
	assert.Equal(t, 2, steps)
}

func (h *harness) eventOf(eventType string) (events.TrackedEvent, bool) {
	for _, ev := range h.sink.Events() {
		if ev.EventType == eventType {
			return ev, true
		}
	}
	return events.TrackedEvent{}, false
}

func TestEngine_FunnelSweepKeepsIdentity(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 1, h.engine.LoadFunnels([]workflow.Funnel{{
		ID: "signup",
		Steps: []workflow.StepMatcher{
			{Kind: workflow.StepPage, Pattern: "/start"},
			{Kind: workflow.StepPage, Pattern: "/done"},
		},
	}}))

	h.visit(t, "/start")
	h.advanceUntil(t, 10*time.Millisecond, func() bool {
		_, ok := h.eventOf(events.TypeFunnelStep)
		return ok
	})
	step, _ := h.eventOf(events.TypeFunnelStep)
	session, ok := h.store.Get(storage.Durable, storage.KeySession)
	require.True(t, ok)
	require.Equal(t, step.SessionID, session)

	// Idle past both the drop-off window and the session expiry.
	h.clock.Add(31 * time.Minute)
	h.engine.Funnels().Sweep(h.clock.Now())
	h.advanceUntil(t, 10*time.Millisecond, func() bool {
		_, ok := h.eventOf(events.TypeFunnelDropOff)
		return ok
	})

	drop, _ := h.eventOf(events.TypeFunnelDropOff)
	assert.Equal(t, step.VisitorID, drop.VisitorID)
	assert.Equal(t, step.SessionID, drop.SessionID)

	after, _ := h.store.Get(storage.Durable, storage.KeySession)
	assert.Equal(t, session, after, "a sweep does not start a session")
	_, returning := h.store.Get(storage.Durable, storage.KeyReturning)
	assert.False(t, returning)

	p, ok := h.engine.Funnels().Progress(step.VisitorID, "signup")
	require.True(t, ok)
	assert.Equal(t, funnel.StatusDroppedOff, p.Status)
}

func TestEngine_LoadSkipsMalformed(t *testing.T) {
	h := newHarness(t)
	n := h.load(t, `[
		{"id": "good", "trigger": {"type": "page_view"}, "actions": [{"type": "show_notification", "body": "ok"}]},
		{"id": "no-actions", "trigger": {"type": "page_view"}, "actions": []},
		{"id": "good", "trigger": {"type": "page_view"}, "actions": [{"type": "show_notification", "body": "dup"}]},
		{"id": "bad-expr", "trigger": {"type": "page_view"}, "conditions": [{"type": "expression", "expr": "page.path =="}],
		 "actions": [{"type": "show_notification", "body": "x"}]},
		{"id": "bad-selector", "trigger": {"type": "element_click", "selector": "[[["},
		 "actions": [{"type": "show_notification", "body": "x"}]}
	]`)
	assert.Equal(t, 1, n)

	h.visit(t, "/")
	h.settle(t)
	assert.Equal(t, 1, h.executed("good"))
	assert.Len(t, h.Finished(), 1)
}

func TestEngine_ConditionsGateExecution(t *testing.T) {
	h := newHarness(t)
	h.load(t, `[
		{"id": "pricing-only", "trigger": {"type": "page_view"},
		 "conditions": [{"type": "url_path", "pattern": "/pricing*"}, {"type": "device_type", "device": "desktop"}],
		 "actions": [{"type": "show_notification", "body": "Questions?"}]},
		{"id": "new-direct", "trigger": {"type": "page_view"},
		 "conditions": [{"type": "new_vs_returning", "isNew": true}, {"type": "traffic_source", "source": "direct"}],
		 "frequency": "once_ever",
		 "actions": [{"type": "show_notification", "body": "Welcome"}]}
	]`)

	h.visit(t, "/")
	h.settle(t)
	assert.Zero(t, h.executed("pricing-only"))
	assert.Equal(t, 1, h.executed("new-direct"))

	h.visit(t, "/pricing/teams")
	h.settle(t)
	assert.Equal(t, 1, h.executed("pricing-only"))
	assert.Equal(t, 1, h.executed("new-direct"))
}

func TestEngine_DebugHook(t *testing.T) {
	h := newHarness(t)
	h.load(t, `[
		{"id": "wf-ok", "trigger": {"type": "page_view"}, "actions": [{"type": "track_event", "eventType": "seen"}]},
		{"id": "wf-gated", "trigger": {"type": "page_view"}, "conditions": [{"type": "url_path", "pattern": "/blog"}],
		 "actions": [{"type": "track_event", "eventType": "never"}]}
	]`)

	h.visit(t, "/")
	h.settle(t)

	joined := strings.Join(h.Lines(), "\n")
	assert.Contains(t, joined, "workflow wf-ok: trigger page_view fired")
	assert.Contains(t, joined, "workflow wf-ok: conditions passed")
	assert.Contains(t, joined, "workflow wf-ok: action 0 track_event done")
	assert.Contains(t, joined, "workflow wf-ok: completed")
	assert.Contains(t, joined, "workflow wf-gated: rejected, condition url_path")

	h.engine.SetDebugHook(nil)
	before := len(h.Lines())
	h.visit(t, "/again")
	h.settle(t)
	assert.Len(t, h.Lines(), before)
}

type panickyRenderer struct{}

func (panickyRenderer) ShowModal(string, workflow.Content) error { panic("renderer exploded") }
func (panickyRenderer) ShowBanner(string, workflow.Content, string) error {
	panic("renderer exploded")
}
func (panickyRenderer) ShowNotification(string, workflow.Content) error {
	panic("renderer exploded")
}

func TestEngine_PanicsStayInside(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Renderer = panickyRenderer{} })
	h.engine.SetDebugHook(func(string) { panic("hook exploded") })
	h.load(t, `[{"id": "wf-boom", "trigger": {"type": "page_view"},
		"actions": [{"type": "show_modal", "title": "x", "body": "y"}, {"type": "track_event", "eventType": "after"}]}]`)

	require.NotPanics(t, func() { h.visit(t, "/") })
	h.settle(t)

	require.Len(t, h.Finished(), 1)
	f := h.Finished()[0]
	assert.Equal(t, StateFailed, f.execution.State)
	assert.Equal(t, action.StatusDone, f.outcome.Results[1].Status)
}

func TestEngine_RedirectIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.load(t, `[
		{"id": "wf-go", "trigger": {"type": "element_click", "selector": "#help"},
		 "actions": [{"type": "redirect_url", "target": "/support?from=help"}, {"type": "track_event", "eventType": "skipped"}]},
		{"id": "wf-landing", "trigger": {"type": "page_view"}, "conditions": [{"type": "url_path", "pattern": "/support"}],
		 "actions": [{"type": "show_notification", "body": "How can we help?"}]}
	]`)
	h.visit(t, "/")
	h.engine.Click("#help")
	h.settle(t)

	assert.Equal(t, "https://shop.example/support?from=help", h.window.Page().String())
	assert.Equal(t, "https://shop.example/", h.window.Page().Referrer)
	assert.Equal(t, 1, h.executed("wf-landing"))

	for _, f := range h.Finished() {
		if f.execution.WorkflowID == "wf-go" {
			assert.Equal(t, action.StatusSkipped, f.outcome.Results[1].Status)
		}
	}
}

func TestEngine_CloseRejectsEntryPoints(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Close(context.Background()))

	assert.ErrorIs(t, h.engine.Track("late", nil), ErrClosed)
	assert.ErrorIs(t, h.engine.Navigate(browser.Load{URL: "https://shop.example/"}), ErrClosed)
	assert.NotPanics(t, func() {
		h.engine.Click("#buy")
		h.engine.Scroll(50)
		h.engine.PointerMove(1, 1)
		h.engine.Dispatch("x", nil)
	})
	require.NoError(t, h.engine.Close(context.Background()))
}

func TestNew_RequiresStoreAndQueue(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	store := storage.NewAdapter(storage.NewMemory(), storage.NewMemory(), storage.WithLogger(logging.Discard()))
	_, err = New(Options{Store: store})
	assert.Error(t, err)
}
