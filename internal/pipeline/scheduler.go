package pipeline

import (
	"time"
)

// DefaultFrameRate is the tick rate used when none is configured, matching a
// typical display refresh.
const DefaultFrameRate = 60

// Scheduler schedules fn to run once at the next frame boundary. The
// returned cancel function prevents fn from running if it has not started.
type Scheduler interface {
	Schedule(fn func()) (cancel func())
}

// FrameScheduler fires callbacks after a fixed frame interval.
type FrameScheduler struct {
	interval time.Duration
}

// NewFrameScheduler returns a scheduler firing at rate frames per second.
// Non-positive rates fall back to DefaultFrameRate.
func NewFrameScheduler(rate int) *FrameScheduler {
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	return &FrameScheduler{interval: time.Second / time.Duration(rate)}
}

// Interval returns the time between frames.
func (s *FrameScheduler) Interval() time.Duration { return s.interval }

// Schedule implements [Scheduler].
func (s *FrameScheduler) Schedule(fn func()) func() {
	t := time.AfterFunc(s.interval, fn)
	return func() { t.Stop() }
}
