package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

type hintErr struct{ d time.Duration }

func (h hintErr) Error() string            { return "hinted" }
func (h hintErr) RetryHint() time.Duration { return h.d }

func recordingSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDelayExponentialAndCapped(t *testing.T) {
	p := Policy{BaseDelay: 5 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(3))
	assert.Equal(t, 30*time.Second, p.Delay(4))
	assert.Equal(t, 30*time.Second, p.Delay(10))
}

func TestDelayMultiplierBelowOneIsConstant(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Multiplier: 0}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, time.Second, p.Delay(4))
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	var waits []time.Duration
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Sleep:       recordingSleep(&waits),
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestDoExhaustsBudget(t *testing.T) {
	var waits []time.Duration
	calls := 0
	retried := 0
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Retryable:   func(err error) bool { return true },
		OnRetry:     func(int, time.Duration, error) { retried++ },
		Sleep:       recordingSleep(&waits),
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retried)
	assert.Len(t, waits, 2)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Sleep:       func(context.Context, time.Duration) error { t.Fatal("must not sleep"); return nil },
	}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestDoUsesLongerHint(t *testing.T) {
	var waits []time.Duration
	calls := 0
	p := Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		Retryable:   func(error) bool { return true },
		Sleep:       recordingSleep(&waits),
	}
	_ = p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return hintErr{d: 7 * time.Second}
		}
		return nil
	})
	assert.Equal(t, []time.Duration{7 * time.Second}, waits)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		Retryable:   func(error) bool { return true },
	}
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errTransient
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoWaitsOnTimerWithoutSleepHook(t *testing.T) {
	calls := 0
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		Retryable:   func(error) bool { return true },
	}
	start := time.Now()
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)
}

func TestDoWrapsHintedErrorThroughChain(t *testing.T) {
	var waits []time.Duration
	p := Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Second,
		Retryable:   func(error) bool { return true },
		Sleep:       recordingSleep(&waits),
	}
	err := p.Do(context.Background(), func(context.Context) error {
		return fmt.Errorf("page: %w", hintErr{d: 3 * time.Second})
	})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, []time.Duration{3 * time.Second}, waits)
}

func TestDoSleepHookCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Retryable:   func(error) bool { return true },
		Sleep: func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		},
	}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "transient")
	assert.Equal(t, 1, calls)
}
