package engine

import "sync/atomic"

// Clock counts host frames. Every frame the host runs takes the next
// number, so logs and traces from one run line up without wall-clock time.
//
// Safe for concurrent use; in practice only the host loop calls Next.
type Clock struct {
	frame atomic.Int64
}

// NewClock creates a clock at frame 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next advances to and returns the next frame number.
func (c *Clock) Next() int64 {
	return c.frame.Add(1)
}

// Current returns the last frame number handed out.
func (c *Clock) Current() int64 {
	return c.frame.Load()
}
