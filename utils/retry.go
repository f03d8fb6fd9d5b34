package utils

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy describes how an operation is retried.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         time.Duration
	// Retryable decides whether an error deserves another attempt.
	// A nil predicate retries nothing.
	Retryable func(error) bool
}

// retryDelayer is implemented by errors that carry a server-requested delay.
type retryDelayer interface {
	RetryDelay() time.Duration
}

var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Retry runs op until it succeeds, returns a non-retryable error, or the
// attempts are used up. The last error is returned unchanged so callers can
// still classify it. Waiting between attempts honours ctx.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt == attempts || policy.Retryable == nil || !policy.Retryable(err) {
			return err
		}

		delay := policy.Backoff(attempt, err)
		LogDebug("attempt %d/%d failed, retrying in %s: %v", attempt, attempts, delay, err)
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}

// Backoff returns the wait after the given failed attempt: exponential from
// InitialBackoff, capped at MaxBackoff, plus jitter. A delay requested by
// the server takes precedence.
func (p RetryPolicy) Backoff(attempt int, err error) time.Duration {
	var delayer retryDelayer
	if errors.As(err, &delayer) && delayer.RetryDelay() > 0 {
		return delayer.RetryDelay()
	}

	backoff := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if p.MaxBackoff > 0 && backoff >= p.MaxBackoff {
			backoff = p.MaxBackoff
			break
		}
	}

	if p.Jitter > 0 {
		jitterMu.Lock()
		backoff += time.Duration(jitterRand.Int63n(int64(p.Jitter)))
		jitterMu.Unlock()
	}

	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
