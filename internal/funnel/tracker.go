// Package funnel tracks visitor progress through ordered funnels.
//
// Progression is strictly sequential: only the next expected step can
// complete, a repeat of an earlier step is a no-op and a premature match of a
// later step is ignored. Runs without forward progress for the drop-off
// window are closed as dropped off and kept for reporting.
package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/condition"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/storage"
	"github.com/syntrixbase/beacon/internal/workflow"
)

const DefaultDropOffWindow = 30 * time.Minute

// Status of a funnel run.
type Status string

const (
	StatusOpen       Status = "open"
	StatusConverted  Status = "converted"
	StatusDroppedOff Status = "dropped_off"
)

// Progress is one visitor's current run through one funnel.
type Progress struct {
	FunnelID  string `json:"funnelId"`
	VisitorID string `json:"visitorId"`
	// Run counts the runs this visitor started, from 1.
	Run int `json:"run"`
	// CompletedSteps holds 1-based step indexes in completion order.
	CompletedSteps []int     `json:"completedSteps"`
	StartedAt      time.Time `json:"startedAt"`
	LastStepAt     time.Time `json:"lastStepAt"`
	Status         Status    `json:"status"`
	ClosedAt       time.Time `json:"closedAt,omitzero"`
}

// LastStep returns the highest completed step, 0 when none.
func (p Progress) LastStep() int {
	if len(p.CompletedSteps) == 0 {
		return 0
	}
	return p.CompletedSteps[len(p.CompletedSteps)-1]
}

// Activity is a visitor action a step may match.
type Activity struct {
	Kind workflow.StepKind
	// Path is the page path for page activity.
	Path string
	// Target is the clicked element; Selector is how the host identified it.
	Target   *goquery.Selection
	Selector string
	// Event is the custom or tracked event name.
	Event string
	At    time.Time
}

// FromEvent maps a tracked event onto an Activity.
func FromEvent(ev events.TrackedEvent) Activity {
	a := Activity{Kind: workflow.StepEvent, Event: ev.EventType, At: ev.Timestamp}
	switch ev.EventType {
	case events.TypePageView:
		a.Kind = workflow.StepPage
		a.Path = "/"
		if u, err := url.Parse(ev.Page); err == nil && u.Path != "" {
			a.Path = u.Path
		}
	case events.TypeClick:
		a.Kind = workflow.StepClick
		a.Selector, _ = ev.Properties["selector"].(string)
	case events.TypeCustom:
		if name, ok := ev.Properties["name"].(string); ok && name != "" {
			a.Event = name
		}
	}
	return a
}

// StepCompleted reports that a visitor completed a step.
type StepCompleted struct {
	FunnelID  string
	VisitorID string
	Step      int
	Run       int
	Converted bool
	At        time.Time
}

// Listener observes completed steps. It is called without tracker locks held.
type Listener func(StepCompleted)

// Recorder receives the funnel analytics events.
type Recorder interface {
	// Record is called with the visitor that owns the run, which for a
	// background sweep need not be the visitor currently browsing.
	Record(visitorID, eventType string, properties map[string]any)
}

// Options configures a Tracker.
type Options struct {
	DropOffWindow time.Duration
	// ViewDocument guards click matching against document mutation.
	ViewDocument func(fn func())
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       metrics.Metrics
}

type compiledStep struct {
	workflow.StepMatcher
	selector cascadia.Selector
}

type compiledFunnel struct {
	id    string
	steps []compiledStep
}

// Tracker maintains Progress per (visitor, funnel) in durable storage.
type Tracker struct {
	store    *storage.Adapter
	recorder Recorder
	window   time.Duration
	view     func(fn func())
	clock    clock.Clock
	logger   *slog.Logger
	metrics  metrics.Metrics

	mu        sync.Mutex
	funnels   []compiledFunnel
	listeners []Listener
}

// New creates a Tracker. recorder may be nil.
func New(store *storage.Adapter, recorder Recorder, opts Options) *Tracker {
	if opts.DropOffWindow <= 0 {
		opts.DropOffWindow = DefaultDropOffWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ViewDocument == nil {
		opts.ViewDocument = func(fn func()) { fn() }
	}
	return &Tracker{
		store:    store,
		recorder: recorder,
		window:   opts.DropOffWindow,
		view:     opts.ViewDocument,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "funnel"),
		metrics:  metrics.OrNoop(opts.Metrics),
	}
}

// Key returns the storage key of a visitor's progress in a funnel.
func Key(visitorID, funnelID string) string {
	return storage.PrefixFunnel + visitorID + "." + funnelID
}

// Load replaces the funnel definitions. Invalid funnels are skipped with a
// warning; the number of loaded funnels is returned.
func (t *Tracker) Load(funnels []workflow.Funnel) int {
	compiled := make([]compiledFunnel, 0, len(funnels))
	for i := range funnels {
		f := &funnels[i]
		cf, err := compile(f)
		if err != nil {
			t.logger.Warn("Skipping malformed funnel", "funnel_id", f.ID, "error", err)
			continue
		}
		compiled = append(compiled, cf)
	}

	t.mu.Lock()
	t.funnels = compiled
	t.mu.Unlock()
	return len(compiled)
}

func compile(f *workflow.Funnel) (compiledFunnel, error) {
	if err := f.Validate(); err != nil {
		return compiledFunnel{}, err
	}
	cf := compiledFunnel{id: f.ID, steps: make([]compiledStep, len(f.Steps))}
	for i, s := range f.Steps {
		cs := compiledStep{StepMatcher: s}
		if s.Kind == workflow.StepClick {
			sel, err := cascadia.Compile(s.Selector)
			if err != nil {
				return compiledFunnel{}, fmt.Errorf("step %d: invalid selector %q: %w", i+1, s.Selector, err)
			}
			cs.selector = sel
		}
		cf.steps[i] = cs
	}
	return cf, nil
}

// OnStep registers a listener for completed steps.
func (t *Tracker) OnStep(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Progress returns the stored run of visitorID through funnelID.
func (t *Tracker) Progress(visitorID, funnelID string) (Progress, bool) {
	var p Progress
	ok := t.store.GetJSON(storage.Durable, Key(visitorID, funnelID), &p)
	return p, ok
}

// Observe advances every funnel whose next expected step matches a. It
// returns the completed steps, which listeners have also received.
func (t *Tracker) Observe(visitorID string, a Activity) []StepCompleted {
	if visitorID == "" {
		return nil
	}
	if a.At.IsZero() {
		a.At = t.clock.Now()
	}

	t.mu.Lock()
	var done []StepCompleted
	var records []record
	for _, f := range t.funnels {
		p, ok := t.Progress(visitorID, f.id)
		if ok && p.Status == StatusOpen && t.stale(p, a.At) {
			p = t.dropLocked(p, a.At, &records)
		}

		var next int
		switch {
		case !ok || p.Status != StatusOpen:
			next = 1
		default:
			next = p.LastStep() + 1
		}
		if next > len(f.steps) {
			continue
		}
		var match bool
		t.view(func() { match = f.steps[next-1].matches(a) })
		if !match {
			continue
		}

		if next == 1 {
			run := p.Run + 1
			p = Progress{FunnelID: f.id, VisitorID: visitorID, Run: run, StartedAt: a.At, Status: StatusOpen}
		}
		p.CompletedSteps = append(p.CompletedSteps, next)
		p.LastStepAt = a.At

		sc := StepCompleted{FunnelID: f.id, VisitorID: visitorID, Step: next, Run: p.Run, At: a.At}
		records = append(records, record{visitorID, events.TypeFunnelStep, map[string]any{
			"funnelId": f.id, "step": next, "stepName": f.steps[next-1].Name, "run": p.Run,
		}})
		t.metrics.IncFunnelEvent(f.id, "step")

		if next == len(f.steps) {
			p.Status = StatusConverted
			p.ClosedAt = a.At
			sc.Converted = true
			records = append(records, record{visitorID, events.TypeFunnelConversion, map[string]any{
				"funnelId": f.id, "steps": len(f.steps), "run": p.Run,
				"durationMs": a.At.Sub(p.StartedAt).Milliseconds(),
			}})
			t.metrics.IncFunnelEvent(f.id, "conversion")
		}
		t.save(p)
		done = append(done, sc)
		t.logger.Debug("Funnel step completed", "funnel_id", f.id, "step", next, "converted", sc.Converted)
	}
	listeners := t.listeners
	t.mu.Unlock()

	t.emit(records)
	for _, sc := range done {
		for _, fn := range listeners {
			t.notify(fn, sc)
		}
	}
	return done
}

// Sweep closes open runs without progress for the drop-off window and
// returns how many it closed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	var stale []Progress
	t.store.Scan(storage.Durable, storage.PrefixFunnel, func(_, value string) bool {
		var p Progress
		if err := json.Unmarshal([]byte(value), &p); err != nil {
			return true
		}
		if p.Status == StatusOpen && t.stale(p, now) {
			stale = append(stale, p)
		}
		return true
	})
	var records []record
	for _, p := range stale {
		t.dropLocked(p, now, &records)
	}
	t.mu.Unlock()

	t.emit(records)
	return len(stale)
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.clock.Now())
		}
	}
}

func (t *Tracker) stale(p Progress, now time.Time) bool {
	return now.Sub(p.LastStepAt) >= t.window
}

func (t *Tracker) dropLocked(p Progress, now time.Time, records *[]record) Progress {
	p.Status = StatusDroppedOff
	p.ClosedAt = now
	t.save(p)
	*records = append(*records, record{p.VisitorID, events.TypeFunnelDropOff, map[string]any{
		"funnelId": p.FunnelID, "lastStep": p.LastStep(), "run": p.Run,
	}})
	t.metrics.IncFunnelEvent(p.FunnelID, "dropoff")
	t.logger.Debug("Funnel run dropped off", "funnel_id", p.FunnelID, "last_step", p.LastStep())
	return p
}

func (t *Tracker) save(p Progress) {
	if !t.store.SetJSON(storage.Durable, Key(p.VisitorID, p.FunnelID), p, 0) {
		t.logger.Warn("Failed to persist funnel progress", "funnel_id", p.FunnelID)
	}
}

type record struct {
	visitorID  string
	eventType  string
	properties map[string]any
}

func (t *Tracker) emit(records []record) {
	if t.recorder == nil {
		return
	}
	for _, r := range records {
		t.recorder.Record(r.visitorID, r.eventType, r.properties)
	}
}

func (t *Tracker) notify(fn Listener, sc StepCompleted) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Funnel listener panicked", "funnel_id", sc.FunnelID, "panic", r)
		}
	}()
	fn(sc)
}

func (s compiledStep) matches(a Activity) bool {
	if s.Kind != a.Kind {
		return false
	}
	switch s.Kind {
	case workflow.StepPage:
		return condition.MatchPath(s.Pattern, a.Path)
	case workflow.StepClick:
		if a.Target != nil && a.Target.Length() > 0 {
			return a.Target.ClosestMatcher(s.selector).Length() > 0
		}
		return a.Selector != "" && strings.TrimSpace(a.Selector) == strings.TrimSpace(s.Selector)
	case workflow.StepEvent:
		return a.Event == s.Event
	}
	return false
}
