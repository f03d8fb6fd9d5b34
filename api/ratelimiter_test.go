package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterSpacesAcquisitions(t *testing.T) {
	t.Parallel()

	const (
		delay = 20 * time.Millisecond
		calls = 5
	)
	limiter := NewRateLimiter(delay)

	start := time.Now()
	for i := 0; i < calls; i++ {
		if err := limiter.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	if min := time.Duration(calls-1) * delay; elapsed < min {
		t.Fatalf("expected at least %s between first and last slot, got %s", min, elapsed)
	}
}

func TestRateLimiterSerializesConcurrentCallers(t *testing.T) {
	t.Parallel()

	const (
		delay   = 15 * time.Millisecond
		callers = 4
	)
	limiter := NewRateLimiter(delay)

	var (
		mu      sync.Mutex
		granted int
		wg      sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := limiter.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			granted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if granted != callers {
		t.Fatalf("expected %d grants, got %d", callers, granted)
	}
	if span := time.Since(start); span < time.Duration(callers-1)*delay {
		t.Fatalf("expected span >= %s, got %s", time.Duration(callers-1)*delay, span)
	}
}

func TestRateLimiterCancelledWaitDoesNotConsumeSlot(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(time.Hour)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	recorded := limiter.last

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := limiter.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !limiter.last.Equal(recorded) {
		t.Fatalf("cancelled wait recorded a slot")
	}
}

func TestRateLimiterNilIsNoop(t *testing.T) {
	t.Parallel()

	var limiter *RateLimiter
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
	if limiter.Delay() != 0 {
		t.Fatalf("nil limiter delay should be 0")
	}
}
