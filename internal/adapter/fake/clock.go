package fake

import (
	"sync"
	"time"
)

// Clock is a deterministic clock. Its Now method fits Engine.Now.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

// NewClock creates a Clock starting at the given time.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Ticking makes every Now call advance the clock by d afterwards, so two
// consecutive reads bracket a non-zero duration.
func (c *Clock) Ticking(d time.Duration) *Clock {
	c.mu.Lock()
	c.tick = d
	c.mu.Unlock()
	return c
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.tick)
	return now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set sets the clock to an exact time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
