package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateBudget is a weight-based token bucket refilled at fixed wall-clock
// windows. It is shared by every request a Client issues.
type RateBudget struct {
	mu          sync.Mutex
	capacity    int
	window      time.Duration
	maxWait     time.Duration
	tokens      int
	windowStart time.Time

	now     func() time.Time
	onGrant func(windowStart time.Time, weight int) // called with mu held
}

// NewRateBudget allows capacity weight per window. A request waits at most
// maxWait for a refill.
func NewRateBudget(capacity int, window, maxWait time.Duration) *RateBudget {
	if capacity <= 0 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateBudget{
		capacity: capacity,
		window:   window,
		maxWait:  maxWait,
		tokens:   capacity,
		now:      time.Now,
	}
}

// Acquire takes weight tokens, waiting for the next window when the current
// one is spent.
func (b *RateBudget) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		return nil
	}
	if weight > b.capacity {
		return fmt.Errorf("%w: weight %d exceeds capacity %d", ErrRateLimitExceeded, weight, b.capacity)
	}

	deadline := b.now().Add(b.maxWait)
	for {
		b.mu.Lock()
		now := b.now()
		b.refillLocked(now)
		if b.tokens >= weight {
			b.tokens -= weight
			if b.onGrant != nil {
				b.onGrant(b.windowStart, weight)
			}
			b.mu.Unlock()
			return nil
		}
		next := b.windowStart.Add(b.window)
		b.mu.Unlock()

		if next.After(deadline) {
			return fmt.Errorf("%w: weight %d not available within %s", ErrRateLimitExceeded, weight, b.maxWait)
		}
		if err := sleepCtx(ctx, next.Sub(now)); err != nil {
			return err
		}
	}
}

// Remaining returns the tokens left in the current window.
func (b *RateBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	return b.tokens
}

// Capacity returns the weight granted per window.
func (b *RateBudget) Capacity() int { return b.capacity }

func (b *RateBudget) refillLocked(now time.Time) {
	start := now.Truncate(b.window)
	if start.After(b.windowStart) {
		b.windowStart = start
		b.tokens = b.capacity
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
