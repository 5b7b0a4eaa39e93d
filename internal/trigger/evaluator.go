// Package trigger maps browser signals onto workflow triggers. The evaluator
// keeps only per-page subscription state (armed timers, once-per-page flags);
// everything workflow-specific happens downstream of the Handler.
package trigger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/browser"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/workflow"
)

// Fired is emitted once per matching trigger.
type Fired struct {
	WorkflowID string
	Kind       workflow.TriggerKind
	Page       *browser.Page
	At         time.Time
	// Detail holds variant data such as the selector or the funnel step.
	Detail map[string]any
}

// Key identifies the fired (workflow, trigger) pair.
func (f Fired) Key() string {
	return f.WorkflowID + ":" + string(f.Kind)
}

// Handler receives fired triggers. It is never called with evaluator locks
// held, so it may call back into the evaluator.
type Handler func(Fired)

// ExitIntentOptions tunes the exit-intent heuristic.
type ExitIntentOptions struct {
	// TopMargin is the distance in px from the viewport top that counts as
	// heading for the browser chrome.
	TopMargin float64
	// MinUpwardVelocity is in px per ms.
	MinUpwardVelocity float64
	// MinDwell is how long the page must be shown before the heuristic arms.
	MinDwell time.Duration
}

// DefaultExitIntent returns the default thresholds.
func DefaultExitIntent() ExitIntentOptions {
	return ExitIntentOptions{TopMargin: 10, MinUpwardVelocity: 0.5, MinDwell: time.Second}
}

// Options configures an Evaluator.
type Options struct {
	ExitIntent ExitIntentOptions
	Logger     *slog.Logger
	Metrics    metrics.Metrics
}

type binding struct {
	workflowID string
	trigger    workflow.Trigger
	selector   cascadia.Selector
}

type pageState struct {
	page      *browser.Page
	timers    map[int]*clock.Timer
	fired     map[int]bool
	lastMove  *browser.PointerMove
	exitFired bool
}

// Evaluator subscribes to a browser.Window and raises Fired signals.
type Evaluator struct {
	window  *browser.Window
	clock   clock.Clock
	exit    ExitIntentOptions
	handler Handler
	logger  *slog.Logger
	metrics metrics.Metrics

	mu       sync.Mutex
	bindings []binding
	unsubs   []func()
	state    pageState
	// gen invalidates timers armed before the last Clear or Stop.
	gen uint64
}

// New creates an Evaluator over window. Call Start to subscribe.
func New(window *browser.Window, handler Handler, opts Options) *Evaluator {
	if opts.ExitIntent == (ExitIntentOptions{}) {
		opts.ExitIntent = DefaultExitIntent()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Evaluator{
		window:  window,
		clock:   window.Clock(),
		exit:    opts.ExitIntent,
		handler: handler,
		logger:  opts.Logger.With("component", "trigger"),
		metrics: metrics.OrNoop(opts.Metrics),
		state:   newPageState(nil),
	}
}

func newPageState(page *browser.Page) pageState {
	return pageState{
		page:   page,
		timers: make(map[int]*clock.Timer),
		fired:  make(map[int]bool),
	}
}

// Bind subscribes workflowID to trigger. Click selectors are compiled here so
// an invalid selector fails the workflow at load time.
func (e *Evaluator) Bind(workflowID string, spec workflow.TriggerSpec) error {
	if spec.Trigger == nil {
		return fmt.Errorf("%w: workflow %q has no trigger", workflow.ErrUnknownVariant, workflowID)
	}
	b := binding{workflowID: workflowID, trigger: spec.Trigger}

	switch t := spec.Trigger.(type) {
	case *workflow.ElementClick:
		sel, err := cascadia.Compile(t.Selector)
		if err != nil {
			return fmt.Errorf("invalid selector %q: %w", t.Selector, err)
		}
		b.selector = sel
	case *workflow.PageView, *workflow.FunnelStep, *workflow.TimeSpent, *workflow.ExitIntent,
		*workflow.CustomEvent, *workflow.ScrollDepth, *workflow.Inactivity:
	default:
		return fmt.Errorf("%w: trigger %T", workflow.ErrUnknownVariant, spec.Trigger)
	}

	e.mu.Lock()
	e.bindings = append(e.bindings, b)
	e.mu.Unlock()
	return nil
}

// Clear drops every binding and cancels armed timers.
func (e *Evaluator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimersLocked()
	e.gen++
	e.bindings = nil
	e.state = newPageState(e.state.page)
}

// Start subscribes to the window signals.
func (e *Evaluator) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.unsubs) > 0 {
		return
	}
	e.unsubs = []func(){
		e.window.Navigations.Subscribe(e.onNavigate),
		e.window.Clicks.Subscribe(e.onClick),
		e.window.PointerMoves.Subscribe(e.onPointerMove),
		e.window.Scrolls.Subscribe(e.onScroll),
		e.window.Customs.Subscribe(e.onCustom),
		e.window.Unloads.Subscribe(e.onUnload),
	}
}

// Stop unsubscribes and cancels pending timers.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.stopTimersLocked()
	e.gen++
	e.state = newPageState(nil)
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Pending returns the number of armed timers on the current page.
func (e *Evaluator) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state.timers)
}

// FunnelStepCompleted fires FunnelStep triggers for funnelID and step.
func (e *Evaluator) FunnelStepCompleted(funnelID string, step int) {
	e.mu.Lock()
	page := e.state.page
	var out []Fired
	for _, b := range e.bindings {
		t, ok := b.trigger.(*workflow.FunnelStep)
		if !ok || t.FunnelID != funnelID || t.StepIndex != step {
			continue
		}
		out = append(out, e.fired(b, page, map[string]any{"funnelId": funnelID, "stepIndex": step}))
	}
	e.mu.Unlock()
	e.emit(out)
}

func (e *Evaluator) onNavigate(n browser.Navigation) {
	e.mu.Lock()
	e.stopTimersLocked()
	e.state = newPageState(n.Page)

	var out []Fired
	for i, b := range e.bindings {
		switch t := b.trigger.(type) {
		case *workflow.PageView:
			out = append(out, e.fired(b, n.Page, nil))
		case *workflow.TimeSpent:
			e.armLocked(i, seconds(t.Seconds))
		case *workflow.Inactivity:
			e.armLocked(i, seconds(t.Seconds))
		}
	}
	e.mu.Unlock()
	e.emit(out)
}

func (e *Evaluator) onClick(c browser.Click) {
	e.mu.Lock()
	e.activityLocked()

	var out []Fired
	for _, b := range e.bindings {
		t, ok := b.trigger.(*workflow.ElementClick)
		if !ok {
			continue
		}
		var match bool
		e.window.ViewDocument(func() { match = clickMatches(c, b.selector, t.Selector) })
		if !match {
			continue
		}
		out = append(out, e.fired(b, c.Page, map[string]any{"selector": t.Selector}))
	}
	e.mu.Unlock()
	e.emit(out)
}

// clickMatches applies delegated-listener semantics: the target or any of its
// ancestors matches. Without a document only the host's own selector can be
// compared.
func clickMatches(c browser.Click, sel cascadia.Selector, raw string) bool {
	if c.Target != nil && c.Target.Length() > 0 {
		return c.Target.ClosestMatcher(sel).Length() > 0
	}
	if c.Page == nil || c.Page.Document == nil {
		return c.TargetSelector == raw
	}
	return false
}

func (e *Evaluator) onPointerMove(m browser.PointerMove) {
	e.mu.Lock()
	e.activityLocked()

	last := e.state.lastMove
	e.state.lastMove = &m

	if e.state.exitFired || last == nil || e.state.page == nil {
		e.mu.Unlock()
		return
	}
	if m.At.Sub(e.state.page.EnteredAt) < e.exit.MinDwell {
		e.mu.Unlock()
		return
	}

	elapsedMs := max(float64(m.At.Sub(last.At))/float64(time.Millisecond), 1)
	velocity := (last.Y - m.Y) / elapsedMs
	if m.Y > e.exit.TopMargin || velocity < e.exit.MinUpwardVelocity {
		e.mu.Unlock()
		return
	}

	e.state.exitFired = true
	var out []Fired
	for _, b := range e.bindings {
		if _, ok := b.trigger.(*workflow.ExitIntent); ok {
			out = append(out, e.fired(b, m.Page, map[string]any{"velocity": velocity}))
		}
	}
	e.mu.Unlock()
	e.emit(out)
}

func (e *Evaluator) onScroll(s browser.Scroll) {
	e.mu.Lock()
	e.activityLocked()

	var out []Fired
	for i, b := range e.bindings {
		t, ok := b.trigger.(*workflow.ScrollDepth)
		if !ok || e.state.fired[i] || s.Percent < t.Percent {
			continue
		}
		e.state.fired[i] = true
		out = append(out, e.fired(b, s.Page, map[string]any{"percent": t.Percent}))
	}
	e.mu.Unlock()
	e.emit(out)
}

func (e *Evaluator) onCustom(c browser.Custom) {
	e.mu.Lock()
	var out []Fired
	for _, b := range e.bindings {
		t, ok := b.trigger.(*workflow.CustomEvent)
		if !ok || t.Name != c.Name {
			continue
		}
		out = append(out, e.fired(b, c.Page, map[string]any{"name": c.Name, "properties": c.Properties}))
	}
	e.mu.Unlock()
	e.emit(out)
}

func (e *Evaluator) onUnload(browser.Unload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopTimersLocked()
	e.state = newPageState(nil)
}

// activityLocked re-arms inactivity timers that have not fired on this page.
func (e *Evaluator) activityLocked() {
	if e.state.page == nil {
		return
	}
	for i, b := range e.bindings {
		t, ok := b.trigger.(*workflow.Inactivity)
		if !ok || e.state.fired[i] {
			continue
		}
		e.armLocked(i, seconds(t.Seconds))
	}
}

// armLocked (re)starts the deferred fire of binding i on the current page.
func (e *Evaluator) armLocked(i int, d time.Duration) {
	if old, ok := e.state.timers[i]; ok {
		old.Stop()
	}
	seq, gen := e.state.page.Seq, e.gen
	e.state.timers[i] = e.clock.AfterFunc(d, func() { e.onTimer(gen, seq, i) })
}

func (e *Evaluator) onTimer(gen, seq uint64, i int) {
	e.mu.Lock()
	// A timer that lost the race with navigation must not fire on the new page.
	if gen != e.gen || e.state.page == nil || e.state.page.Seq != seq || e.state.fired[i] {
		e.mu.Unlock()
		return
	}
	e.state.fired[i] = true
	delete(e.state.timers, i)

	b := e.bindings[i]
	var detail map[string]any
	switch t := b.trigger.(type) {
	case *workflow.TimeSpent:
		detail = map[string]any{"seconds": t.Seconds}
	case *workflow.Inactivity:
		detail = map[string]any{"seconds": t.Seconds}
	}
	f := e.fired(b, e.state.page, detail)
	e.mu.Unlock()

	e.emit([]Fired{f})
}

func (e *Evaluator) stopTimersLocked() {
	for _, t := range e.state.timers {
		t.Stop()
	}
	e.state.timers = make(map[int]*clock.Timer)
}

func (e *Evaluator) fired(b binding, page *browser.Page, detail map[string]any) Fired {
	return Fired{
		WorkflowID: b.workflowID,
		Kind:       b.trigger.Kind(),
		Page:       page,
		At:         e.clock.Now(),
		Detail:     detail,
	}
}

func (e *Evaluator) emit(out []Fired) {
	for _, f := range out {
		e.metrics.IncTriggerFired(string(f.Kind))
		e.logger.Debug("Trigger fired", "workflow_id", f.WorkflowID, "kind", f.Kind)
		if e.handler != nil {
			e.handler(f)
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
