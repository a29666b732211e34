// Package retry provides a bounded retry-with-jittered-backoff combinator.
//
// It exists for VCS sync contention: when many units clone at once the git
// transport occasionally refuses connections, and a short randomized pause
// before trying again absorbs it.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// Attempts is the total number of tries, including the first. Values < 1 mean 1.
	Attempts int
	// MinDelay and MaxDelay bound the uniformly random pause between tries.
	MinDelay time.Duration
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another try. Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before each pause.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is three tries with a 1-3s jittered pause.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, MinDelay: time.Second, MaxDelay: 3 * time.Second}
}

// Delay returns a pause in [MinDelay, MaxDelay].
func (p Policy) Delay() time.Duration {
	if p.MaxDelay <= p.MinDelay {
		return p.MinDelay
	}
	return p.MinDelay + rand.N(p.MaxDelay-p.MinDelay+1)
}

// Do calls fn until it succeeds, the policy is exhausted, the error is not
// retryable, or ctx is done. It returns the last error from fn, or ctx.Err()
// if the context ended during a pause. attempt is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}

		delay := p.Delay()
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
