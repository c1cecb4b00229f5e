package exchange

import (
	"sync"
	"time"
)

// serverClock estimates exchange time from the last server-time sample.
type serverClock struct {
	mu       sync.Mutex
	offset   time.Duration
	syncedAt time.Time
	interval time.Duration
	now      func() time.Time
}

func newServerClock(interval time.Duration, now func() time.Time) *serverClock {
	return &serverClock{interval: interval, now: now}
}

// Now returns the estimated exchange time.
func (c *serverClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Add(c.offset)
}

// Stale reports whether a resync is due.
func (c *serverClock) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncedAt.IsZero() || c.now().Sub(c.syncedAt) >= c.interval
}

// Update records a server time sampled between sent and received.
func (c *serverClock) Update(server, sent, received time.Time) {
	mid := sent.Add(received.Sub(sent) / 2)
	c.mu.Lock()
	c.offset = server.Sub(mid)
	c.syncedAt = received
	c.mu.Unlock()
}

// Invalidate forces a resync before the next signed request.
func (c *serverClock) Invalidate() {
	c.mu.Lock()
	c.syncedAt = time.Time{}
	c.mu.Unlock()
}

func (c *serverClock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}
