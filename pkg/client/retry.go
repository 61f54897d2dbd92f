package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy decides whether and how long to wait before retrying one
// failing attempt. Delays use full jitter: a uniform draw from
// [0, min(cap, base * 2^attempt)], so synchronized retry storms across
// callers stay unlikely.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Zero disables retries entirely.
	MaxRetries int

	// BaseDelay is the upper bound of the first retry delay.
	BaseDelay time.Duration

	// CapDelay bounds the exponential growth.
	CapDelay time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		CapDelay:   30 * time.Second,
	}
}

// Validate checks the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0 (got %d)", p.MaxRetries)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be > 0 (got %v)", p.BaseDelay)
	}
	if p.CapDelay < p.BaseDelay {
		return fmt.Errorf("cap_delay must be >= base_delay (got %v < %v)", p.CapDelay, p.BaseDelay)
	}
	return nil
}

// Delay returns the backoff before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	limit := p.CapDelay
	// Deep shifts overflow to negative long before 62 bits; the cap
	// applies in either case.
	if attempt < 62 {
		if scaled := p.BaseDelay << uint(attempt); scaled > 0 && scaled < limit {
			limit = scaled
		}
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit) + 1))
}

// waitRetry sleeps for d with context cancellation support.
func waitRetry(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
