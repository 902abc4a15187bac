package session

import (
	"context"
	"time"
)

// RetryPolicy bounds a fixed-delay poll loop.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy is the settled policy for the OAuth-callback
// ambiguity window: five attempts half a second apart.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: 500 * time.Millisecond}

// Poll invokes fn until it reports done, up to MaxAttempts times with
// Delay between attempts. The sleep function is injectable so tests can
// run against a fake clock. Poll returns false when the attempts are
// exhausted, and the context error when the context ends first.
func (p RetryPolicy) Poll(ctx context.Context, sleep func(context.Context, time.Duration) error, fn func(attempt int) bool) (bool, error) {
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if fn(attempt) {
			return true, nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return false, err
		}
	}
	return false, nil
}

func realSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
