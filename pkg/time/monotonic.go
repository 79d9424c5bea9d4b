package time

import (
	"sync/atomic"
	"time"
)

// monotonic time since the clock was created
// session deadlines are stored as offsets from the start so wall clock jumps never expire a session early
// skew moves the clock forward only, it lets tests expire sessions without sleeping
type Clock struct {
	startTime time.Time
	skew      atomic.Int64
}

func NewClock() *Clock {
	return &Clock{
		startTime: time.Now(),
	}
}

// time since start, never decreasing
func (c *Clock) Elapsed() time.Duration {
	return time.Since(c.startTime) + time.Duration(c.skew.Load())
}

// deadline for a session renewed now
func (c *Clock) ExpiresAt(ttl time.Duration) time.Duration {
	return c.Elapsed() + ttl
}

// time left until the deadline, zero once it passed
func (c *Clock) Remaining(expiresAt time.Duration) time.Duration {
	left := expiresAt - c.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// jumps the clock forward, negative values are ignored
func (c *Clock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.skew.Add(int64(d))
}
