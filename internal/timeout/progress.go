package timeout

import (
	"math"
	"time"
)

// Progress is a pure time-based calculator for UI polling. It never cancels
// anything.
type Progress struct {
	Key      string
	duration time.Duration
	start    time.Time
	deadline time.Time
	clock    func() time.Time
}

// NewProgress seeds a progress calculator at call time.
func NewProgress(key string, duration time.Duration) *Progress {
	return newProgressAt(key, duration, time.Now)
}

func newProgressAt(key string, duration time.Duration, clock func() time.Time) *Progress {
	start := clock()
	return &Progress{
		Key:      key,
		duration: duration,
		start:    start,
		deadline: start.Add(duration),
		clock:    clock,
	}
}

// Percent returns elapsed/duration as an integer in [0, 100].
func (p *Progress) Percent() int {
	if p.duration <= 0 {
		return 100
	}
	elapsed := p.clock().Sub(p.start)
	if elapsed <= 0 {
		return 0
	}
	pct := math.Round(float64(elapsed) / float64(p.duration) * 100)
	if pct > 100 {
		return 100
	}
	return int(pct)
}

// Remaining returns the time left before the deadline, never negative.
func (p *Progress) Remaining() time.Duration {
	r := p.deadline.Sub(p.clock())
	if r < 0 {
		return 0
	}
	return r
}

func (p *Progress) Expired() bool {
	return !p.clock().Before(p.deadline)
}

func (p *Progress) Deadline() time.Time {
	return p.deadline
}
