package api

import (
	"context"
	"time"
)

// RateLimiter enforces a minimum spacing between outbound calls to one host.
//
// It is a fixed-interval limiter: every granted slot starts at least delay
// after the previous one. Waiters are served one at a time; a waiter whose
// context is cancelled gives its turn back without consuming a slot.
type RateLimiter struct {
	delay time.Duration
	slot  chan struct{}
	last  time.Time
	now   func() time.Time
}

// NewRateLimiter creates a limiter. A non-positive delay disables waiting
// but still serializes acquisitions.
func NewRateLimiter(delay time.Duration) *RateLimiter {
	if delay < 0 {
		delay = 0
	}
	return &RateLimiter{
		delay: delay,
		slot:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Delay returns the configured spacing.
func (l *RateLimiter) Delay() time.Duration {
	if l == nil {
		return 0
	}
	return l.delay
}

// Acquire blocks until the next slot is available and records it.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}

	select {
	case l.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.slot }()

	if !l.last.IsZero() {
		wait := l.delay - l.now().Sub(l.last)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	l.last = l.now()
	return nil
}
