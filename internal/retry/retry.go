// Package retry provides a reusable exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how an operation is retried.
//
// Attempt n (1-based) that fails with a retryable error waits
// BaseDelay * Multiplier^(n-1), capped at MaxDelay, before attempt n+1.
// If the error carries a longer server hint (see Hinted) that wait is used instead.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration

	// Retryable decides whether err is worth another attempt. Nil means never.
	Retryable func(err error) bool
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
	// Sleep waits for d or until ctx is done. Nil uses the backoff timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Hinted is implemented by errors that carry a server-suggested wait.
type Hinted interface {
	RetryHint() time.Duration
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (p Policy) exponential() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          mult,
		MaxInterval:         maxDelay,
	}
	b.Reset()
	return b
}

// Delay returns the backoff before the attempt following the given one.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.exponential()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// schedule feeds backoff.Retry: it raises the exponential wait to any
// server hint and, when a Sleep hook is set, waits through the hook.
type schedule struct {
	ctx     context.Context
	exp     *backoff.ExponentialBackOff
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(attempt int, wait time.Duration, err error)

	attempt   int
	lastErr   error
	hint      time.Duration
	permanent bool
	exhausted bool
	sleepErr  error
}

func (s *schedule) Reset() { s.exp.Reset() }

func (s *schedule) NextBackOff() time.Duration {
	wait := s.exp.NextBackOff()
	if s.hint > wait {
		wait = s.hint
	}
	s.hint = 0
	if s.onRetry != nil {
		s.onRetry(s.attempt, wait, s.lastErr)
	}
	if s.sleep == nil {
		return wait
	}
	if err := s.sleep(s.ctx, wait); err != nil {
		s.sleepErr = err
		return backoff.Stop
	}
	return 0
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The wait between attempts holds no locks.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	s := &schedule{ctx: ctx, exp: p.exponential(), sleep: p.Sleep, onRetry: p.OnRetry}

	op := func() (struct{}, error) {
		s.attempt++
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		s.lastErr = err
		if p.Retryable == nil || !p.Retryable(err) {
			s.permanent = true
			return struct{}{}, backoff.Permanent(err)
		}
		if s.attempt >= attempts {
			s.exhausted = true
			return struct{}{}, err
		}
		var h Hinted
		if errors.As(err, &h) {
			s.hint = h.RetryHint()
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	switch {
	case err == nil:
		return nil
	case s.permanent:
		return s.lastErr
	case s.exhausted:
		return &ExhaustedError{Attempts: s.attempt, Err: s.lastErr}
	case s.sleepErr != nil:
		return fmt.Errorf("%w (last error: %v)", s.sleepErr, s.lastErr)
	case s.lastErr != nil:
		return fmt.Errorf("%w (last error: %v)", err, s.lastErr)
	}
	return err
}
