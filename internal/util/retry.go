package util

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"

	"tradegate/internal/domain"
)

// RetryPolicy bounds how often and how long Retry waits between attempts.
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when a component is configured without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 4,
	MinDelay:    250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Retry calls fn up to MaxAttempts times with capped exponential backoff.
// Only retryable errors (transport failures and rate limiting) trigger
// another attempt; anything else is returned immediately. A RateLimitedError
// carrying a RetryAfter hint waits at least that long, still bounded by
// MaxDelay. The function respects context cancellation between retries.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	b := &backoff.Backoff{
		Min:    p.MinDelay,
		Max:    p.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !domain.IsRetryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := b.Duration()
		var rl *domain.RateLimitedError
		if errors.As(err, &rl) && rl.RetryAfter > delay {
			delay = rl.RetryAfter
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}
