package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/beacon/internal/config"
)

type doResult struct {
	attempts int
	err      error
}

// runWithMock runs r.Do in the background and advances clk until it returns.
func runWithMock(t *testing.T, r *Retrier, clk *clock.Mock, fn Func) doResult {
	t.Helper()
	done := make(chan doResult, 1)
	go func() {
		n, err := r.Do(context.Background(), fn)
		done <- doResult{n, err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-done:
			return res
		case <-deadline:
			t.Fatal("retry loop did not finish")
		default:
			clk.Add(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPolicy_Backoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"fixed first", DefaultPolicy(), 1, time.Second},
		{"fixed third", DefaultPolicy(), 3, time.Second},
		{"exponential", Policy{InitialBackoff: time.Second, Multiplier: 2}, 3, 4 * time.Second},
		{"capped", Policy{InitialBackoff: time.Second, Multiplier: 2, MaxBackoff: 3 * time.Second}, 5, 3 * time.Second},
		{"multiplier below one is fixed", Policy{InitialBackoff: time.Second, Multiplier: 0.5}, 4, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Backoff(tt.attempt))
		})
	}
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: config.Duration(2 * time.Second),
		MaxBackoff:     config.Duration(10 * time.Second),
		Multiplier:     1.5,
	})
	assert.Equal(t, Policy{MaxAttempts: 5, InitialBackoff: 2 * time.Second, MaxBackoff: 10 * time.Second, Multiplier: 1.5}, p)
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	r := New(DefaultPolicy(), clock.NewMock())

	n, err := r.Do(context.Background(), func(context.Context, int) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDo_ExhaustsAfterMaxAttempts(t *testing.T) {
	clk := clock.NewMock()
	var retries []int
	r := New(DefaultPolicy(), clk).OnRetry(func(attempt int, _ error, delay time.Duration) {
		retries = append(retries, attempt)
		assert.Equal(t, time.Second, delay)
	})

	var calls atomic.Int32
	boom := errors.New("boom")
	res := runWithMock(t, r, clk, func(context.Context, int) error {
		calls.Add(1)
		return boom
	})

	assert.Equal(t, 3, res.attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.ErrorIs(t, res.err, ErrExhausted)
	assert.ErrorIs(t, res.err, boom)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_RecoversOnSecondAttempt(t *testing.T) {
	clk := clock.NewMock()
	r := New(DefaultPolicy(), clk)

	res := runWithMock(t, r, clk, func(_ context.Context, attempt int) error {
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, res.err)
	assert.Equal(t, 2, res.attempts)
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	r := New(DefaultPolicy(), clock.NewMock())

	var calls int
	n, err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Fatal(errors.New("bad request"))
	})

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, calls)
	assert.True(t, IsFatal(err))
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_ContextCancelledDuringDelay(t *testing.T) {
	r := New(DefaultPolicy(), clock.NewMock())
	ctx, cancel := context.WithCancel(context.Background())

	n, err := r.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("fail")
	})

	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFatal(t *testing.T) {
	assert.NoError(t, Fatal(nil))

	inner := errors.New("inner")
	err := Fatal(inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "fatal error: inner", err.Error())
	assert.False(t, IsFatal(inner))
}
