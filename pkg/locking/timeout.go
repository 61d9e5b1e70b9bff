package locking

import (
	"math/rand"
	"time"
)

// timeoutSchedule returns the sequence of retry timeouts an acquire
// should use before falling back to an unbounded blocking wait:
// geometric growth from ~1s, capped at 10s per step, with +-5% jitter,
// until the cumulative total reaches at least 150s.
func timeoutSchedule() []time.Duration {
	const (
		initial    = time.Second
		factor     = 1.05
		cap_       = 10 * time.Second
		cumulative = 150 * time.Second
		jitter     = 0.05
	)

	var schedule []time.Duration
	var total time.Duration
	step := initial

	for total < cumulative {
		d := step
		if d > cap_ {
			d = cap_
		}
		schedule = append(schedule, jittered(d, jitter))
		total += d
		step = time.Duration(float64(step) * factor)
	}
	return schedule
}

func jittered(d time.Duration, frac float64) time.Duration {
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

// deadlineFromNow turns a caller-supplied timeout into a wall-clock
// deadline; a zero or negative timeout means "block forever" and is
// represented as the zero Time.
func deadlineFromNow(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
