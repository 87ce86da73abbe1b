package store

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Default retry settings for storage reads.
const (
	DefaultRetryAttempts = 4
	DefaultRetryInitial  = 50 * time.Millisecond
	DefaultRetryMax      = 2 * time.Second
	backoffMultiplier    = 2.0
)

// Retry retries reads that fail with ErrTransient using truncated
// exponential backoff with jitter. Writes must never go through Retry.
type Retry struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
}

// DefaultRetry returns the built-in read retry policy.
func DefaultRetry() Retry {
	return Retry{Attempts: DefaultRetryAttempts, Initial: DefaultRetryInitial, Max: DefaultRetryMax}
}

// Read runs fn until it succeeds, fails permanently, or attempts run out.
func Read[T any](ctx context.Context, r Retry, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	bo := newBackoff(r.Initial, r.Max)
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var zero T
	var err error
	for i := 1; i <= attempts; i++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrTransient) || i == attempts {
			break
		}
		wait := bo.next()
		slog.Warn("store: transient read failure, will retry",
			"op", op, "attempt", i, "retry_in", wait, "err", err)
		if serr := sleep(ctx, wait); serr != nil {
			return zero, serr
		}
	}
	return zero, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	if initial <= 0 {
		initial = DefaultRetryInitial
	}
	if max < initial {
		max = initial
	}
	return &backoff{current: initial, max: max}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.max {
		b.current = b.max
	}
	return d
}
