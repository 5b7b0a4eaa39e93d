// Package engine wires the trigger evaluator, condition evaluator, frequency
// governor and action dispatcher into the per-execution state machine, and
// exposes the host entry points. No entry point panics or blocks on the
// network.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/action"
	"github.com/syntrixbase/beacon/internal/browser"
	"github.com/syntrixbase/beacon/internal/condition"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/frequency"
	"github.com/syntrixbase/beacon/internal/funnel"
	"github.com/syntrixbase/beacon/internal/identity"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/retry"
	"github.com/syntrixbase/beacon/internal/storage"
	"github.com/syntrixbase/beacon/internal/trigger"
	"github.com/syntrixbase/beacon/internal/workflow"
)

// ErrClosed is returned by entry points after Close.
var ErrClosed = errors.New("engine is closed")

// EventQueue accepts tracked events for delivery.
type EventQueue interface {
	Enqueue(ev events.TrackedEvent) error
	Close(ctx context.Context) error
}

// DebugHook receives a human readable line for every trigger fire,
// condition evaluation, frequency denial and action dispatch.
type DebugHook func(line string)

// OutcomeFunc observes finished executions.
type OutcomeFunc func(x *Execution, out action.Outcome)

// Options configures an Engine.
type Options struct {
	WebsiteID string
	Store     *storage.Adapter
	Queue     EventQueue
	Window    *browser.Window

	// Renderer defaults to rendering into the window document.
	Renderer action.Renderer
	Webhooks *action.WebhookWorker
	Retry    retry.Policy

	SessionExpiry time.Duration
	VisitorTTL    time.Duration
	ExitIntent    trigger.ExitIntentOptions
	DropOffWindow time.Duration
	SweepInterval time.Duration

	Debug   DebugHook
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Metrics
}

// Engine is one tracking-and-automation instance. All mutable state lives in
// its fields; instances never share state.
type Engine struct {
	websiteID string
	store     *storage.Adapter
	queue     EventQueue
	window    *browser.Window
	clock     clock.Clock
	logger    *slog.Logger
	metrics   metrics.Metrics

	identity   *identity.Manager
	triggers   *trigger.Evaluator
	conditions *condition.Evaluator
	governor   *frequency.Governor
	funnels    *funnel.Tracker
	dispatcher *action.Dispatcher
	device     condition.Device

	mu          sync.RWMutex
	definitions map[string]*workflow.Definition
	debug       DebugHook
	onOutcome   OutcomeFunc
	closed      bool

	// passMu serializes evaluation passes from trigger fire to frequency record.
	passMu sync.Mutex

	unsubs     []func()
	ctx        context.Context
	cancel     context.CancelFunc
	dispatchWG sync.WaitGroup
	sweepWG    sync.WaitGroup
}

// New creates an Engine. Call Start to subscribe to the window.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: storage adapter is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("engine: event queue is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Window == nil {
		opts.Window = browser.NewWindow("", opts.Clock)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := metrics.OrNoop(opts.Metrics)

	conds, err := condition.NewEvaluator(opts.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		websiteID:   opts.WebsiteID,
		store:       opts.Store,
		queue:       opts.Queue,
		window:      opts.Window,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "engine"),
		metrics:     m,
		conditions:  conds,
		device:      condition.ClassifyDevice(opts.Window.UserAgent()),
		definitions: make(map[string]*workflow.Definition),
		debug:       opts.Debug,
		ctx:         ctx,
		cancel:      cancel,
	}

	e.identity = identity.NewManager(opts.Store, identity.Options{
		SessionExpiry: opts.SessionExpiry,
		VisitorTTL:    opts.VisitorTTL,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
	})
	e.triggers = trigger.New(opts.Window, e.onFired, trigger.Options{
		ExitIntent: opts.ExitIntent,
		Logger:     opts.Logger,
		Metrics:    m,
	})
	e.governor = frequency.New(opts.Store, frequency.Options{Clock: opts.Clock, Logger: opts.Logger, Metrics: m})
	e.funnels = funnel.New(opts.Store, funnelRecorder{e}, funnel.Options{
		DropOffWindow: opts.DropOffWindow,
		ViewDocument:  opts.Window.ViewDocument,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Metrics:       m,
	})
	e.funnels.OnStep(func(sc funnel.StepCompleted) {
		e.debugf("funnel %s: step %d completed", sc.FunnelID, sc.Step)
		e.triggers.FunnelStepCompleted(sc.FunnelID, sc.Step)
	})

	renderer := opts.Renderer
	if renderer == nil {
		renderer = action.NewDOMRenderer(opts.Window)
	}
	e.dispatcher = action.NewDispatcher(action.Options{
		Renderer:  renderer,
		Navigator: navigator{e},
		Tracker:   actionTracker{e},
		Webhooks:  opts.Webhooks,
		Retry:     opts.Retry,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Metrics:   m,
	})

	e.startSweeper(opts.SweepInterval)
	return e, nil
}

// SetDebugHook registers the debug hook; nil removes it.
func (e *Engine) SetDebugHook(h DebugHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.debug = h
}

// OnOutcome registers an observer for finished executions.
func (e *Engine) OnOutcome(fn OutcomeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOutcome = fn
}

// Identity returns the current visitor and session.
func (e *Engine) Identity() identity.Identity {
	return e.identity.Current()
}

// Funnels exposes the funnel tracker for progress queries.
func (e *Engine) Funnels() *funnel.Tracker {
	return e.funnels
}

// Load replaces the workflow definitions. Malformed workflows are skipped
// with a warning and the rest are bound. It returns the number bound.
func (e *Engine) Load(defs []workflow.Definition) int {
	e.triggers.Clear()

	loaded := make(map[string]*workflow.Definition, len(defs))
	for i := range defs {
		def := defs[i]
		if err := e.bind(&def, loaded); err != nil {
			e.logger.Warn("Skipping malformed workflow", "workflow_id", def.ID, "error", err)
			e.debugf("workflow %s skipped: %v", def.ID, err)
			continue
		}
		loaded[def.ID] = &def
	}

	e.mu.Lock()
	e.definitions = loaded
	e.mu.Unlock()

	e.logger.Info("Workflows loaded", "count", len(loaded), "skipped", len(defs)-len(loaded))
	return len(loaded)
}

func (e *Engine) bind(def *workflow.Definition, loaded map[string]*workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if _, dup := loaded[def.ID]; dup {
		return fmt.Errorf("%w: duplicate workflow id %q", workflow.ErrInvalidWorkflow, def.ID)
	}
	if err := e.conditions.Compile(def.Conditions); err != nil {
		return fmt.Errorf("%w: %w", workflow.ErrInvalidWorkflow, err)
	}
	return e.triggers.Bind(def.ID, def.Trigger)
}

// LoadFrom fetches workflow definitions from a file or URL and loads them.
func (e *Engine) LoadFrom(ctx context.Context, source string, client *http.Client) (int, error) {
	defs, err := workflow.LoadWorkflows(ctx, source, client, e.logger)
	if err != nil {
		return 0, err
	}
	return e.Load(defs), nil
}

// LoadFunnels replaces the funnel definitions.
func (e *Engine) LoadFunnels(funnels []workflow.Funnel) int {
	return e.funnels.Load(funnels)
}

// Start subscribes the engine to the window signals.
func (e *Engine) Start() {
	e.triggers.Start()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.unsubs) > 0 {
		return
	}
	e.unsubs = []func(){
		e.window.Navigations.Subscribe(e.onNavigation),
		e.window.Clicks.Subscribe(e.onClick),
		e.window.Customs.Subscribe(e.onCustom),
	}
}

// Navigate makes load the current page.
func (e *Engine) Navigate(load browser.Load) (err error) {
	defer e.guard("navigate", func() { err = errors.New("navigation failed") })
	if e.isClosed() {
		return ErrClosed
	}
	_, err = e.window.Navigate(load)
	return err
}

// Click reports a click on the element matching selector.
func (e *Engine) Click(selector string) {
	defer e.guard("click", nil)
	if !e.isClosed() {
		e.window.Click(selector)
	}
}

// PointerMove reports a pointer position in viewport coordinates.
func (e *Engine) PointerMove(x, y float64) {
	defer e.guard("pointer_move", nil)
	if !e.isClosed() {
		e.window.MovePointer(x, y)
	}
}

// Scroll reports the scroll depth in percent.
func (e *Engine) Scroll(percent float64) {
	defer e.guard("scroll", nil)
	if !e.isClosed() {
		e.window.Scroll(percent)
	}
}

// Dispatch reports a named custom event from the host page.
func (e *Engine) Dispatch(name string, props map[string]any) {
	defer e.guard("dispatch", nil)
	if !e.isClosed() {
		e.window.Dispatch(name, props)
	}
}

// Unload reports that the page is being torn down. Pending timers of the
// current page are cancelled.
func (e *Engine) Unload() {
	defer e.guard("unload", nil)
	if !e.isClosed() {
		e.window.Unload()
	}
}

// Track records an analytics event stamped with the current identity and
// page. Events other than page views and clicks also feed the funnel
// tracker; those two arrive through the window signals.
func (e *Engine) Track(eventType string, props map[string]any) (err error) {
	defer e.guard("track", func() { err = errors.New("track failed") })
	if e.isClosed() {
		return ErrClosed
	}
	return e.track(eventType, props)
}

func (e *Engine) track(eventType string, props map[string]any) error {
	ev, err := e.enqueue(eventType, props)
	if err != nil {
		return err
	}
	if eventType != events.TypePageView && eventType != events.TypeClick {
		e.funnels.Observe(ev.VisitorID, funnel.FromEvent(ev))
	}
	return nil
}

// Wait blocks until in-flight action dispatches finish or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down subscriptions, waits for in-flight dispatches and drains
// the event queue. Pending dispatches are cancelled when ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	e.triggers.Stop()
	for _, unsub := range unsubs {
		unsub()
	}

	waitErr := e.Wait(ctx)
	e.cancel()
	e.sweepWG.Wait()

	return errors.Join(waitErr, e.queue.Close(ctx))
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

func (e *Engine) onNavigation(n browser.Navigation) {
	defer e.guard("navigation", nil)
	id := e.identity.Current()
	e.sessionSource(id, n.Page)
	e.funnels.Observe(id.VisitorID, funnel.Activity{Kind: workflow.StepPage, Path: n.Page.Path(), At: n.At})
}

func (e *Engine) onClick(c browser.Click) {
	defer e.guard("click", nil)
	id := e.identity.Current()
	e.funnels.Observe(id.VisitorID, funnel.Activity{
		Kind:     workflow.StepClick,
		Target:   c.Target,
		Selector: c.TargetSelector,
		At:       c.At,
	})
}

func (e *Engine) onCustom(c browser.Custom) {
	defer e.guard("custom", nil)
	id := e.identity.Current()
	e.funnels.Observe(id.VisitorID, funnel.Activity{Kind: workflow.StepEvent, Event: c.Name, At: c.At})
}

// onFired runs one evaluation pass: conditions, then the frequency check and
// record under passMu, then hands the actions to a dispatch goroutine.
func (e *Engine) onFired(f trigger.Fired) {
	defer e.guard("trigger", nil)

	e.mu.RLock()
	def, ok := e.definitions[f.WorkflowID]
	closed := e.closed
	e.mu.RUnlock()
	if !ok || closed {
		return
	}

	x := newExecution(f, e.clock.Now, e.observeTransition)
	e.passMu.Lock()
	allowed := e.evaluate(x, def)
	e.passMu.Unlock()
	if !allowed {
		return
	}

	e.dispatchWG.Add(1)
	go func() {
		defer e.dispatchWG.Done()
		e.execute(x, def)
	}()
}

func (e *Engine) evaluate(x *Execution, def *workflow.Definition) bool {
	e.mustTransition(x, StateFired, string(x.Fired.Kind))

	id := e.identity.Current()
	ctx := condition.Context{
		URL:        pageURL(x.Fired.Page),
		Title:      pageTitle(x.Fired.Page),
		Referrer:   pageReferrer(x.Fired.Page),
		Source:     e.sessionSource(id, x.Fired.Page),
		IsNew:      id.IsNew,
		Device:     e.device,
		Properties: x.Fired.Detail,
	}
	verdict := e.conditions.Evaluate(def.Conditions, ctx)
	if !verdict.Passed {
		e.mustTransition(x, StateRejected, "condition "+string(verdict.Failed)+": "+verdict.Reason)
		return false
	}
	e.mustTransition(x, StateConditionsPassed, fmt.Sprintf("%d conditions", len(def.Conditions)))

	if !e.governor.TryAcquire(def.ID, def.Frequency, id) {
		e.mustTransition(x, StateRejected, "frequency "+string(def.Frequency)+" denied")
		return false
	}
	e.mustTransition(x, StateFrequencyAllowed, string(def.Frequency))
	e.mustTransition(x, StateExecuting, "")
	return true
}

func (e *Engine) execute(x *Execution, def *workflow.Definition) {
	out := action.Outcome{WorkflowID: def.ID}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Dispatch panicked", "workflow_id", def.ID, "panic", r)
			out.Err = errors.Join(out.Err, fmt.Errorf("dispatch panicked: %v", r))
		}
		if out.Failed() {
			e.mustTransition(x, StateFailed, out.Err.Error())
		} else {
			e.mustTransition(x, StateCompleted, fmt.Sprintf("%d actions", out.Count(action.StatusDone)))
		}
		e.mu.RLock()
		fn := e.onOutcome
		e.mu.RUnlock()
		if fn != nil {
			fn(x, out)
		}
	}()

	id := e.identity.Current()
	req := action.Request{
		WorkflowID: def.ID,
		Identity:   id,
		Page:       x.Fired.Page.String(),
		FiredAt:    x.Fired.At,
	}
	out = e.dispatcher.Dispatch(e.ctx, req, def.Actions, func(r action.ActionResult) {
		e.debugf("workflow %s: action %d %s %s", def.ID, r.Index, r.Kind, r.Status)
	})
}

func (e *Engine) observeTransition(x *Execution, s Step) {
	e.metrics.IncExecutionState(string(s.To))
	switch s.To {
	case StateFired:
		e.debugf("workflow %s: trigger %s fired", x.WorkflowID, s.Reason)
	case StateConditionsPassed:
		e.debugf("workflow %s: conditions passed", x.WorkflowID)
	case StateRejected:
		e.debugf("workflow %s: rejected, %s", x.WorkflowID, s.Reason)
		e.logger.Debug("Execution rejected", "workflow_id", x.WorkflowID, "execution_id", x.ID, "reason", s.Reason)
	case StateCompleted, StateFailed:
		e.debugf("workflow %s: %s", x.WorkflowID, s.To)
	}
}

func (e *Engine) mustTransition(x *Execution, to State, reason string) {
	if err := x.Transition(to, reason); err != nil {
		e.logger.Error("Execution state machine violated", "workflow_id", x.WorkflowID, "error", err)
	}
}

// sessionSource returns the traffic source of the current session,
// classifying it from page the first time the session is seen.
func (e *Engine) sessionSource(id identity.Identity, page *browser.Page) condition.Source {
	var stored struct {
		SessionID string           `json:"sessionId"`
		Source    condition.Source `json:"source"`
	}
	if e.store.GetJSON(storage.Durable, storage.KeySessionSource, &stored) && stored.SessionID == id.SessionID {
		return stored.Source
	}
	stored.SessionID = id.SessionID
	stored.Source = condition.ClassifySource(pageURL(page), pageReferrer(page))
	e.store.SetJSON(storage.Durable, storage.KeySessionSource, stored, 0)
	return stored.Source
}

func (e *Engine) enqueue(eventType string, props map[string]any) (events.TrackedEvent, error) {
	return e.enqueueAs(e.identity.Current(), eventType, props)
}

func (e *Engine) enqueueAs(id identity.Identity, eventType string, props map[string]any) (events.TrackedEvent, error) {
	ev := events.TrackedEvent{
		WebsiteID:  e.websiteID,
		VisitorID:  id.VisitorID,
		SessionID:  id.SessionID,
		EventType:  eventType,
		Page:       e.window.Page().String(),
		Timestamp:  e.clock.Now(),
		Properties: props,
	}
	if err := e.queue.Enqueue(ev); err != nil {
		e.logger.Warn("Failed to enqueue event", "event_type", eventType, "error", err)
		return ev, err
	}
	return ev, nil
}

func (e *Engine) startSweeper(interval time.Duration) {
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		e.funnels.Run(e.ctx, interval)
	}()
}

func (e *Engine) debugf(format string, args ...any) {
	e.mu.RLock()
	hook := e.debug
	e.mu.RUnlock()
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("Debug hook panicked", "panic", r)
		}
	}()
	hook(fmt.Sprintf(format, args...))
}

// guard keeps panics inside the engine. onPanic may set return values.
func (e *Engine) guard(op string, onPanic func()) {
	if r := recover(); r != nil {
		e.logger.Error("Recovered from panic", "op", op, "panic", r)
		if onPanic != nil {
			onPanic()
		}
	}
}

// funnelRecorder enqueues funnel analytics events for the visitor that owns
// the run. Drop-offs come from the background sweep, so the identity is read
// with Peek: a sweep must not start a session.
type funnelRecorder struct{ e *Engine }

func (r funnelRecorder) Record(visitorID, eventType string, props map[string]any) {
	id, ok := r.e.identity.Peek()
	if !ok || id.VisitorID != visitorID {
		id = identity.Identity{VisitorID: visitorID}
	}
	_, _ = r.e.enqueueAs(id, eventType, props)
}

// actionTracker serves TrackEvent actions.
type actionTracker struct{ e *Engine }

func (t actionTracker) Track(eventType string, props map[string]any) error {
	return t.e.track(eventType, props)
}

// navigator serves RedirectUrl actions through the window.
type navigator struct{ e *Engine }

func (n navigator) Redirect(target string) error {
	current := n.e.window.Page()
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid redirect target %q: %w", target, err)
	}
	if base := pageURL(current); base != nil {
		u = base.ResolveReference(u)
	}
	_, err = n.e.window.Navigate(browser.Load{URL: u.String(), Referrer: current.String()})
	return err
}

func pageURL(p *browser.Page) *url.URL {
	if p == nil {
		return nil
	}
	return p.URL
}

func pageTitle(p *browser.Page) string {
	if p == nil {
		return ""
	}
	return p.Title
}

func pageReferrer(p *browser.Page) string {
	if p == nil {
		return ""
	}
	return p.Referrer
}
