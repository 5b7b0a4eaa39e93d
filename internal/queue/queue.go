// Package queue buffers tracked events and delivers them in batches.
//
// A batch is flushed when no event arrived for FlushDelay (debounce) or when
// it reaches MaxBatchSize. Failed deliveries are retried under a bounded
// policy; after exhaustion the batch is dropped and OnDrop is notified.
// Events inside one batch keep enqueue order. Batches are delivered
// independently, so a retried batch may land after a later one.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/events"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/retry"
)

const (
	DefaultFlushDelay   = 100 * time.Millisecond
	DefaultMaxBatchSize = 50
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue is closed")

// Sender delivers one batch. Returning a retry.FatalError skips the remaining
// attempts.
type Sender interface {
	Send(ctx context.Context, batch events.Batch) error
	// Transport names the sender in logs and metrics.
	Transport() string
}

// DropFunc is the non-fatal delivery-failure signal.
type DropFunc func(batch events.Batch, err error)

// Options configures a Queue.
type Options struct {
	FlushDelay   time.Duration
	MaxBatchSize int
	Retry        retry.Policy
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      metrics.Metrics
}

// Queue is the event batcher. It is safe for concurrent use.
type Queue struct {
	sender       Sender
	flushDelay   time.Duration
	maxBatchSize int
	retrier      *retry.Retrier
	clock        clock.Clock
	logger       *slog.Logger
	metrics      metrics.Metrics

	// mu protects pending, closed and onDrop
	mu      sync.Mutex
	pending []events.TrackedEvent
	closed  bool
	onDrop  DropFunc

	// kickCh restarts the debounce timer, fullCh flushes immediately
	kickCh  chan struct{}
	fullCh  chan struct{}
	closeCh chan struct{}

	// ctx is cancelled when Close gives up waiting for in-flight deliveries
	ctx    context.Context
	cancel context.CancelFunc

	batcherWG  sync.WaitGroup
	deliveryWG sync.WaitGroup
}

// New creates a Queue and starts its batcher.
func New(sender Sender, opts Options) *Queue {
	if opts.FlushDelay <= 0 {
		opts.FlushDelay = DefaultFlushDelay
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender:       sender,
		flushDelay:   opts.FlushDelay,
		maxBatchSize: opts.MaxBatchSize,
		clock:        opts.Clock,
		logger:       opts.Logger.With("component", "event-queue", "transport", sender.Transport()),
		metrics:      metrics.OrNoop(opts.Metrics),
		kickCh:       make(chan struct{}, 1),
		fullCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	q.retrier = retry.New(opts.Retry, opts.Clock).OnRetry(func(attempt int, err error, delay time.Duration) {
		q.metrics.IncDeliveryRetry(q.sender.Transport())
		q.logger.Info("Retrying batch delivery", "attempt", attempt+1, "delay", delay, "error", err)
	})

	q.batcherWG.Add(1)
	go q.runBatcher()
	return q
}

// OnDrop registers the callback invoked when a batch is dropped.
func (q *Queue) OnDrop(fn DropFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// Enqueue appends ev to the pending batch. It never blocks on delivery.
func (q *Queue) Enqueue(ev events.TrackedEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, ev)
	depth := len(q.pending)
	full := depth >= q.maxBatchSize
	q.mu.Unlock()

	q.metrics.IncEventsEnqueued(ev.EventType)
	q.metrics.SetQueueDepth(depth)

	ch := q.kickCh
	if full {
		ch = q.fullCh
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of events waiting for the next flush.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush delivers everything pending now and waits for that delivery,
// including retries. It returns the final delivery error, if any.
func (q *Queue) Flush(ctx context.Context) error {
	batches := q.take()
	var errs []error
	for _, b := range batches {
		q.deliveryWG.Add(1)
		errs = append(errs, q.deliver(ctx, b))
	}
	return errors.Join(errs...)
}

// Close stops accepting events, flushes the pending batch once and waits for
// in-flight deliveries. If ctx ends first, in-flight retries are aborted.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.closeCh)
	q.batcherWG.Wait()

	done := make(chan struct{})
	go func() {
		q.deliveryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) runBatcher() {
	defer q.batcherWG.Done()

	var timer *clock.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	flush := func() {
		stopTimer()
		for _, b := range q.take() {
			q.deliveryWG.Add(1)
			go q.deliver(q.ctx, b)
		}
	}

	for {
		select {
		case <-q.kickCh:
			stopTimer()
			timer = q.clock.Timer(q.flushDelay)
			timerC = timer.C
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		case <-q.fullCh:
			flush()
		case <-q.closeCh:
			// One last flush to drain pending events
			flush()
			return
		}
	}
}

// take empties the pending buffer, split by the size ceiling.
func (q *Queue) take() []events.Batch {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	q.metrics.SetQueueDepth(0)

	var batches []events.Batch
	for len(pending) > 0 {
		n := min(len(pending), q.maxBatchSize)
		batches = append(batches, events.Batch{Events: pending[:n:n]})
		pending = pending[n:]
	}
	return batches
}

func (q *Queue) deliver(ctx context.Context, batch events.Batch) (err error) {
	defer q.deliveryWG.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Batch delivery panicked", "panic", r)
			err = errors.New("batch delivery panicked")
			q.drop(batch, err, "panic")
		}
	}()

	transport := q.sender.Transport()
	start := q.clock.Now()
	attempts, err := q.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		return q.sender.Send(ctx, batch)
	})
	if err == nil {
		q.metrics.IncBatchSent(transport, batch.Len())
		q.metrics.ObserveDeliveryLatency(transport, q.clock.Since(start))
		q.logger.Debug("Delivered batch", "events", batch.Len(), "attempts", attempts)
		return nil
	}

	reason := "exhausted"
	switch {
	case retry.IsFatal(err):
		reason = "fatal"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "cancelled"
	}
	q.drop(batch, err, reason)
	return err
}

func (q *Queue) drop(batch events.Batch, err error, reason string) {
	q.metrics.IncBatchDropped(q.sender.Transport(), reason)
	q.logger.Warn("Dropped event batch", "events", batch.Len(), "reason", reason, "error", err)

	q.mu.Lock()
	fn := q.onDrop
	q.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Drop callback panicked", "panic", r)
		}
	}()
	fn(batch, err)
}
