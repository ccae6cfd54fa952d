package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/taskrelay/taskrelay/internal/log"
)

// RetryPolicy bounds the attempts of a store operation.
// delay_k = BaseDelay * 2^(k-1) + uniform(0, MaxJitter), slept after every
// failed attempt including the last.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
	MaxJitter time.Duration

	// Sleep and Rand are injectable for tests. Nil means real sleep and
	// math/rand.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// DefaultRetryPolicy matches the store adapter's production settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries:   3,
		BaseDelay: 800 * time.Millisecond,
		MaxJitter: 300 * time.Millisecond,
	}
}

func (p RetryPolicy) retries() int {
	if p.Retries <= 0 {
		return 3
	}
	return p.Retries
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 800 * time.Millisecond
	}
	jitterMax := p.MaxJitter
	if jitterMax < 0 {
		jitterMax = 0
	}
	randFn := p.Rand
	if randFn == nil {
		randFn = rand.Float64
	}
	backoff := base * (1 << (attempt - 1))
	jitter := time.Duration(randFn() * float64(jitterMax))
	return backoff + jitter
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs op up to policy.Retries times with exponential backoff and
// jitter. ErrNotFound and context cancellation pass through without
// further attempts. After the final failure the fallback, when supplied,
// produces the result; a fallback failure is logged and the last error is
// returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, name string, op func(ctx context.Context) (T, error), fallback func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	retries := policy.retries()
	for attempt := 1; attempt <= retries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}

		lastErr = err
		delay := policy.delay(attempt)
		log.Warn(log.CatRetry, "operation failed, backing off",
			"op", name, "attempt", attempt, "retries", retries, "delay", delay, "error", err)
		if sleepErr := policy.sleep(ctx, delay); sleepErr != nil {
			return zero, sleepErr
		}
	}

	log.ErrorErr(log.CatRetry, "operation exhausted retries", lastErr, "op", name, "retries", retries)

	if fallback != nil {
		value, err := fallback()
		if err != nil {
			log.ErrorErr(log.CatRetry, "fallback failed", err, "op", name)
			return zero, lastErr
		}
		log.Warn(log.CatRetry, "fallback used", "op", name)
		return value, nil
	}
	return zero, lastErr
}
