// Package action executes the side effects of an allowed workflow execution.
//
// Actions run in declared order. A remote failure marks its action failed
// and the list continues; already executed actions are never rolled back.
// Only a malformed action stops the list. A redirect is terminal.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/identity"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/retry"
	"github.com/syntrixbase/beacon/internal/workflow"
)

// ErrMalformedAction stops an action list.
var ErrMalformedAction = errors.New("malformed action")

// Renderer shows UI overlays on the host page.
type Renderer interface {
	ShowModal(workflowID string, content workflow.Content) error
	ShowBanner(workflowID string, content workflow.Content, position string) error
	ShowNotification(workflowID string, content workflow.Content) error
}

// Navigator navigates the host page.
type Navigator interface {
	Redirect(target string) error
}

// Tracker records analytics events on behalf of a workflow.
type Tracker interface {
	Track(eventType string, properties map[string]any) error
}

// Status of one executed action.
type Status string

const (
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// ActionResult is the outcome of one action.
type ActionResult struct {
	Index    int
	Kind     workflow.ActionKind
	Status   Status
	Attempts int
	Err      error
}

// Outcome reports a whole action list.
type Outcome struct {
	WorkflowID string
	Results    []ActionResult
	// Err joins the errors of every failed action.
	Err error
}

// Failed reports whether any action failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Count returns the number of results with status s.
func (o Outcome) Count(s Status) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Request describes the execution the actions belong to.
type Request struct {
	WorkflowID string
	Identity   identity.Identity
	Page       string
	FiredAt    time.Time
}

// Options configures a Dispatcher.
type Options struct {
	Renderer  Renderer
	Navigator Navigator
	Tracker   Tracker
	Webhooks  *WebhookWorker
	Retry     retry.Policy
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   metrics.Metrics
}

// Dispatcher runs action lists.
type Dispatcher struct {
	renderer  Renderer
	navigator Navigator
	tracker   Tracker
	webhooks  *WebhookWorker
	retrier   *retry.Retrier
	logger    *slog.Logger
	metrics   metrics.Metrics
}

// NewDispatcher creates a Dispatcher. Missing host interfaces make the
// corresponding actions fail.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Webhooks == nil {
		opts.Webhooks = NewWebhookWorker(WebhookOptions{Clock: opts.Clock, Metrics: opts.Metrics})
	}
	d := &Dispatcher{
		renderer:  opts.Renderer,
		navigator: opts.Navigator,
		tracker:   opts.Tracker,
		webhooks:  opts.Webhooks,
		logger:    opts.Logger.With("component", "action"),
		metrics:   metrics.OrNoop(opts.Metrics),
	}
	d.retrier = retry.New(opts.Retry, opts.Clock).OnRetry(func(attempt int, err error, delay time.Duration) {
		d.logger.Info("Retrying webhook", "attempt", attempt+1, "delay", delay, "error", err)
	})
	return d
}

// Dispatch runs actions for req and reports every result. observe, when not
// nil, is called after each action.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, actions []workflow.ActionSpec, observe func(ActionResult)) Outcome {
	out := Outcome{WorkflowID: req.WorkflowID, Results: make([]ActionResult, 0, len(actions))}
	var errs []error
	stopped := false

	for i, spec := range actions {
		res := ActionResult{Index: i, Status: StatusSkipped}
		if spec.Action != nil {
			res.Kind = spec.Action.Kind()
		}

		if !stopped {
			res = d.run(ctx, req, i, spec.Action)
			switch {
			case errors.Is(res.Err, ErrMalformedAction):
				stopped = true
			case res.Status == StatusDone && res.Kind == workflow.ActionRedirectURL:
				stopped = true
			case res.Status == StatusFailed && ctx.Err() != nil:
				stopped = true
			}
		}

		if res.Err != nil {
			errs = append(errs, fmt.Errorf("action %d (%s): %w", i, res.Kind, res.Err))
		}
		d.metrics.IncActionResult(string(res.Kind), string(res.Status))
		out.Results = append(out.Results, res)
		if observe != nil {
			observe(res)
		}
	}

	out.Err = errors.Join(errs...)
	return out
}

func (d *Dispatcher) run(ctx context.Context, req Request, i int, a workflow.Action) (res ActionResult) {
	res = ActionResult{Index: i, Status: StatusDone, Attempts: 1}
	if a != nil {
		res.Kind = a.Kind()
	}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Err = fmt.Errorf("action panicked: %v", r)
		}
		if res.Err != nil {
			res.Status = StatusFailed
			d.logger.Warn("Action failed", "workflow_id", req.WorkflowID, "index", i, "kind", res.Kind, "error", res.Err)
		}
	}()

	switch t := a.(type) {
	case *workflow.ShowModal:
		res.Err = d.render(func(r Renderer) error { return r.ShowModal(req.WorkflowID, t.Content) })
	case *workflow.ShowBanner:
		res.Err = d.render(func(r Renderer) error { return r.ShowBanner(req.WorkflowID, t.Content, t.Position) })
	case *workflow.ShowNotification:
		res.Err = d.render(func(r Renderer) error { return r.ShowNotification(req.WorkflowID, t.Content) })
	case *workflow.TrackEvent:
		res.Err = d.track(req, t)
	case *workflow.Webhook:
		res.Attempts, res.Err = d.webhook(ctx, req, t)
	case *workflow.RedirectURL:
		if d.navigator == nil {
			res.Err = errors.New("no navigator")
			return res
		}
		res.Err = d.navigator.Redirect(t.Target)
	default:
		res.Attempts = 0
		res.Err = fmt.Errorf("%w: %T", ErrMalformedAction, a)
	}
	return res
}

func (d *Dispatcher) render(fn func(Renderer) error) error {
	if d.renderer == nil {
		return errors.New("no renderer")
	}
	return fn(d.renderer)
}

func (d *Dispatcher) track(req Request, t *workflow.TrackEvent) error {
	if d.tracker == nil {
		return errors.New("no tracker")
	}
	props := make(map[string]any, len(t.Properties)+1)
	for k, v := range t.Properties {
		props[k] = v
	}
	props["workflowId"] = req.WorkflowID
	return d.tracker.Track(t.EventType, props)
}

func (d *Dispatcher) webhook(ctx context.Context, req Request, t *workflow.Webhook) (int, error) {
	body := WebhookBody{
		WorkflowID: req.WorkflowID,
		VisitorID:  req.Identity.VisitorID,
		SessionID:  req.Identity.SessionID,
		Page:       req.Page,
		FiredAt:    req.FiredAt,
		Payload:    t.Payload,
	}
	return d.retrier.Do(ctx, func(ctx context.Context, _ int) error {
		return d.webhooks.Deliver(ctx, t.URL, t.Headers, body)
	})
}
