// Package clock converts wall-clock timestamps and pause intervals into
// elapsed recording time. Everything here is a pure function of its inputs
// so pause/resume edge cases can be tested without sleeping.
package clock

import "time"

// Interval is one pause period. A zero End means the pause is still in
// progress and extends to the instant being evaluated.
type Interval struct {
	Start time.Time
	End   time.Time
}

// length returns how much of the interval overlaps [start, now].
func (iv Interval) length(now time.Time) time.Duration {
	end := iv.End
	if end.IsZero() || end.After(now) {
		end = now
	}
	if !end.After(iv.Start) {
		return 0
	}
	return end.Sub(iv.Start)
}

// Elapsed returns the recording time accumulated between start and now,
// excluding every pause interval. Negative results clamp to zero.
func Elapsed(start time.Time, pauses []Interval, now time.Time) time.Duration {
	if !now.After(start) {
		return 0
	}
	elapsed := now.Sub(start) - TotalPaused(pauses, now)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// TotalPaused sums the pause intervals, counting an open interval up to now.
func TotalPaused(pauses []Interval, now time.Time) time.Duration {
	var total time.Duration
	for _, iv := range pauses {
		total += iv.length(now)
	}
	return total
}
