package sim

import (
	"time"

	"github.com/ardnew/softhcd/host/hal"
)

// Ticker is hardware that runs on simulated time.
type Ticker interface {
	// Advance brings the model's state up to time now.
	Advance(now time.Duration)
}

// Clock is a virtual clock. Delay returns immediately after moving time
// forward and letting every attached model catch up.
type Clock struct {
	now     time.Duration
	tickers []Ticker
}

var _ hal.Clock = (*Clock)(nil)

// NewClock returns a clock at time zero.
func NewClock() *Clock {
	return &Clock{}
}

// Attach adds t to the models advanced by Delay.
func (c *Clock) Attach(t Ticker) {
	c.tickers = append(c.tickers, t)
}

// Delay advances simulated time by d.
func (c *Clock) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	c.now += d
	for _, t := range c.tickers {
		t.Advance(c.now)
	}
}

// Now returns the simulated time since the clock was created.
func (c *Clock) Now() time.Duration {
	return c.now
}

// Frames counts whole USB frames of length period between the last
// processed time and now. Models call it from Advance.
type Frames struct {
	period time.Duration
	last   time.Duration
}

// NewFrames returns a frame counter with the given period.
func NewFrames(period time.Duration) Frames {
	return Frames{period: period}
}

// Due returns the number of frames that have elapsed since the previous
// call and consumes them.
func (f *Frames) Due(now time.Duration) int {
	if now < f.last+f.period {
		return 0
	}
	n := int((now - f.last) / f.period)
	f.last += time.Duration(n) * f.period
	return n
}

// Sync discards any pending frames so counting restarts at now.
func (f *Frames) Sync(now time.Duration) {
	f.last = now
}
