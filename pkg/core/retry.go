package core

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Sleeper abstracts waiting for deterministic tests.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// FuncSleeper wraps a function to satisfy Sleeper.
type FuncSleeper func(context.Context, time.Duration) error

// Sleep implements the Sleeper interface.
func (f FuncSleeper) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// ContextSleeper waits for d or until ctx is done.
func ContextSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BackoffStrategy holds retry parameters.
type BackoffStrategy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
	Sleeper     Sleeper
	Rand        func() float64
}

// DefaultBackoff mirrors the sync retry policy: 5 attempts, 5s base, factor 2, 3m cap.
func DefaultBackoff() BackoffStrategy {
	return BackoffStrategy{
		BaseDelay:   5 * time.Second,
		Multiplier:  2,
		MaxDelay:    3 * time.Minute,
		MaxAttempts: 5,
	}
}

// BackoffFromPolicy builds a strategy from a declared retry policy.
func BackoffFromPolicy(policy RetryPolicy) BackoffStrategy {
	strategy := DefaultBackoff()
	if policy.Limit > 0 {
		strategy.MaxAttempts = policy.Limit
	}
	if policy.Backoff.Duration > 0 {
		strategy.BaseDelay = policy.Backoff.Duration
	}
	if policy.Backoff.Factor > 0 {
		strategy.Multiplier = policy.Backoff.Factor
	}
	if policy.Backoff.MaxDuration > 0 {
		strategy.MaxDelay = policy.Backoff.MaxDuration
	}
	return strategy
}

// Retry executes fn with exponential backoff. It stops when fn returns nil, when shouldRetry
// returns false, when ctx is done, or after MaxAttempts. It returns the number of attempts
// executed and the last error from fn (or the context error), if any.
func (b BackoffStrategy) Retry(ctx context.Context, fn func(context.Context) error, shouldRetry func(error) bool) (int, error) {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 1
	}
	if b.BaseDelay <= 0 {
		b.BaseDelay = 100 * time.Millisecond
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	sleeper := b.Sleeper
	if sleeper == nil {
		sleeper = FuncSleeper(ContextSleeper)
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return attempt, lastErr
		}
		if attempt == b.MaxAttempts {
			return attempt, lastErr
		}
		delay := b.NextDelay(attempt)
		if b.Jitter > 0 {
			jitter := float64(delay) * b.Jitter * rnd()
			delay += time.Duration(jitter)
		}
		if err := sleeper.Sleep(ctx, delay); err != nil {
			return attempt, lastErr
		}
	}
	return b.MaxAttempts, lastErr
}

// NextDelay returns the delay after the given attempt, capped at MaxDelay.
func (b BackoffStrategy) NextDelay(attempt int) time.Duration {
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	exp := float64(attempt - 1)
	delay := float64(b.BaseDelay) * math.Pow(multiplier, exp)
	max := float64(b.MaxDelay)
	if max > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}
