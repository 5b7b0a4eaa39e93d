package funnel

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/logging"
	"github.com/syntrixbase/beacon/internal/storage"
	"github.com/syntrixbase/beacon/internal/workflow"
)

const visitorID = "01J0VISITOR"

type recorded struct {
	visitorID  string
	eventType  string
	properties map[string]any
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *fakeRecorder) Record(visitorID, eventType string, properties map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{visitorID, eventType, properties})
}

func (r *fakeRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.eventType
	}
	return out
}

var checkout = workflow.Funnel{
	ID:   "checkout",
	Name: "Checkout",
	Steps: []workflow.StepMatcher{
		{Kind: workflow.StepPage, Name: "cart", Pattern: "/cart"},
		{Kind: workflow.StepClick, Name: "pay", Selector: "button.pay"},
		{Kind: workflow.StepEvent, Name: "paid", Event: "purchase"},
	},
}

func newTestTracker(t *testing.T, funnels ...workflow.Funnel) (*Tracker, *fakeRecorder, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewAdapter(storage.NewMemory(), storage.NewMemory(),
		storage.WithClock(clk), storage.WithLogger(logging.Discard()))
	rec := &fakeRecorder{}
	tr := New(store, rec, Options{Clock: clk, Logger: logging.Discard()})
	require.Equal(t, len(funnels), tr.Load(funnels))
	return tr, rec, clk
}

func page(path string) Activity { return Activity{Kind: workflow.StepPage, Path: path} }
func click(sel string) Activity  { return Activity{Kind: workflow.StepClick, Selector: sel} }
func event(name string) Activity { return Activity{Kind: workflow.StepEvent, Event: name} }

func completed(t *testing.T, tr *Tracker) []int {
	t.Helper()
	p, ok := tr.Progress(visitorID, "checkout")
	if !ok {
		return nil
	}
	return p.CompletedSteps
}

func TestObserve_SequentialProgress(t *testing.T) {
	tr, rec, _ := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	tr.Observe(visitorID, click("button.pay"))
	done := tr.Observe(visitorID, event("purchase"))

	require.Len(t, done, 1)
	assert.True(t, done[0].Converted)
	assert.Equal(t, 3, done[0].Step)

	p, ok := tr.Progress(visitorID, "checkout")
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, p.CompletedSteps)
	assert.Equal(t, StatusConverted, p.Status)
	assert.Equal(t, []string{
		events.TypeFunnelStep, events.TypeFunnelStep, events.TypeFunnelStep, events.TypeFunnelConversion,
	}, rec.types())
}

func TestObserve_OutOfOrderIgnored(t *testing.T) {
	tr, _, _ := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	assert.Equal(t, []int{1}, completed(t, tr))

	// Step 3 before step 2 is premature.
	assert.Empty(t, tr.Observe(visitorID, event("purchase")))
	assert.Equal(t, []int{1}, completed(t, tr))

	tr.Observe(visitorID, click("button.pay"))
	assert.Equal(t, []int{1, 2}, completed(t, tr))
}

func TestObserve_RepeatOfEarlierStepIsNoop(t *testing.T) {
	tr, rec, _ := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	tr.Observe(visitorID, click("button.pay"))
	assert.Empty(t, tr.Observe(visitorID, page("/cart")))

	p, _ := tr.Progress(visitorID, "checkout")
	assert.Equal(t, []int{1, 2}, p.CompletedSteps)
	assert.Equal(t, 1, p.Run)
	assert.Len(t, rec.types(), 2)
}

func TestObserve_StepsStartAtOne(t *testing.T) {
	tr, _, _ := newTestTracker(t, checkout)

	assert.Empty(t, tr.Observe(visitorID, click("button.pay")))
	assert.Nil(t, completed(t, tr))
}

func TestObserve_DelegatedClick(t *testing.T) {
	tr, _, _ := newTestTracker(t, checkout)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(
		`<form><button class="pay"><span id="label">Pay now</span></button></form>`))
	require.NoError(t, err)

	tr.Observe(visitorID, page("/cart"))
	tr.Observe(visitorID, Activity{Kind: workflow.StepClick, Target: doc.Find("#label")})
	assert.Equal(t, []int{1, 2}, completed(t, tr))
}

func TestObserve_IsolatedPerVisitor(t *testing.T) {
	tr, _, _ := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	tr.Observe("01J0OTHER", click("button.pay"))
	assert.Empty(t, tr.Observe("", page("/cart")))

	_, ok := tr.Progress("01J0OTHER", "checkout")
	assert.False(t, ok)
	assert.Equal(t, []int{1}, completed(t, tr))
}

func TestListeners(t *testing.T) {
	tr, _, _ := newTestTracker(t, checkout)

	var got []StepCompleted
	tr.OnStep(func(sc StepCompleted) { got = append(got, sc) })
	tr.OnStep(func(StepCompleted) { panic("listener bug") })
	// Listeners may call back into the tracker.
	tr.OnStep(func(sc StepCompleted) { tr.Progress(sc.VisitorID, sc.FunnelID) })

	tr.Observe(visitorID, page("/cart"))
	require.Len(t, got, 1)
	assert.Equal(t, StepCompleted{FunnelID: "checkout", VisitorID: visitorID, Step: 1, Run: 1, At: got[0].At}, got[0])
}

func TestSweep_DropOff(t *testing.T) {
	tr, rec, clk := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	clk.Add(29 * time.Minute)
	assert.Zero(t, tr.Sweep(clk.Now()))

	clk.Add(time.Minute)
	assert.Equal(t, 1, tr.Sweep(clk.Now()))

	p, ok := tr.Progress(visitorID, "checkout")
	require.True(t, ok, "dropped runs are kept")
	assert.Equal(t, StatusDroppedOff, p.Status)
	assert.Equal(t, []int{1}, p.CompletedSteps)
	assert.Equal(t, events.TypeFunnelDropOff, rec.types()[1])

	// Already closed.
	assert.Zero(t, tr.Sweep(clk.Now().Add(time.Hour)))

	// Continuing where the dropped run stopped does not resurrect it.
	assert.Empty(t, tr.Observe(visitorID, click("button.pay")))

	// Step 1 opens a fresh run.
	tr.Observe(visitorID, page("/cart"))
	p, _ = tr.Progress(visitorID, "checkout")
	assert.Equal(t, 2, p.Run)
	assert.Equal(t, StatusOpen, p.Status)
	assert.Equal(t, []int{1}, p.CompletedSteps)
}

func TestSweep_DropOffCarriesRunOwner(t *testing.T) {
	tr, rec, clk := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	tr.Observe("01J0OTHER", page("/cart"))
	clk.Add(31 * time.Minute)
	require.Equal(t, 2, tr.Sweep(clk.Now()))

	owners := map[string]string{}
	rec.mu.Lock()
	for _, r := range rec.events {
		if r.eventType == events.TypeFunnelDropOff {
			owners[r.visitorID] = r.properties["funnelId"].(string)
		}
		if r.eventType == events.TypeFunnelStep {
			assert.NotEmpty(t, r.visitorID)
		}
	}
	rec.mu.Unlock()
	assert.Equal(t, map[string]string{visitorID: "checkout", "01J0OTHER": "checkout"}, owners)
}

func TestObserve_LazilyDropsStaleRun(t *testing.T) {
	tr, rec, clk := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	clk.Add(45 * time.Minute)
	assert.Empty(t, tr.Observe(visitorID, click("button.pay")))

	p, _ := tr.Progress(visitorID, "checkout")
	assert.Equal(t, StatusDroppedOff, p.Status)
	assert.Contains(t, rec.types(), events.TypeFunnelDropOff)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	tr, _, clk := newTestTracker(t, checkout)
	tr.Observe(visitorID, page("/cart"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Minute)
		close(done)
	}()

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		p, _ := tr.Progress(visitorID, "checkout")
		return p.Status == StatusDroppedOff
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestLoad_SkipsMalformed(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	n := tr.Load([]workflow.Funnel{
		checkout,
		{ID: "bad-selector", Steps: []workflow.StepMatcher{{Kind: workflow.StepClick, Selector: "button[["}}},
		{ID: "no-steps"},
		{ID: "missing-pattern", Steps: []workflow.StepMatcher{{Kind: workflow.StepPage}}},
	})
	assert.Equal(t, 1, n)
}

func TestFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, Activity{Kind: workflow.StepPage, Path: "/cart", Event: events.TypePageView, At: at},
		FromEvent(events.TrackedEvent{EventType: events.TypePageView, Page: "https://shop.example.com/cart?x=1", Timestamp: at}))
	assert.Equal(t, Activity{Kind: workflow.StepClick, Selector: "button.pay", Event: events.TypeClick},
		FromEvent(events.TrackedEvent{EventType: events.TypeClick, Properties: map[string]any{"selector": "button.pay"}}))
	assert.Equal(t, Activity{Kind: workflow.StepEvent, Event: "signup"},
		FromEvent(events.TrackedEvent{EventType: events.TypeCustom, Properties: map[string]any{"name": "signup"}}))
	assert.Equal(t, Activity{Kind: workflow.StepEvent, Event: "purchase"},
		FromEvent(events.TrackedEvent{EventType: "purchase"}))
}

func TestRoundTrip_StepsOneThreeTwo(t *testing.T) {
	tr, _, _ := newTestTracker(t, checkout)

	tr.Observe(visitorID, page("/cart"))
	assert.Equal(t, []int{1}, completed(t, tr))
	tr.Observe(visitorID, event("purchase"))
	assert.Equal(t, []int{1}, completed(t, tr))
	tr.Observe(visitorID, click("button.pay"))
	assert.Equal(t, []int{1, 2}, completed(t, tr))
}
