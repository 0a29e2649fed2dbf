package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestElapsed_NoPauses(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 10*time.Second, Elapsed(t0, nil, t0.Add(10*time.Second)))
	assert.Equal(t, time.Duration(0), Elapsed(t0, nil, t0))
	assert.Equal(t, time.Duration(0), Elapsed(t0, nil, t0.Add(-time.Second)))
}

func TestElapsed_ClosedPauses(t *testing.T) {
	t.Parallel()
	pauses := []Interval{
		{Start: t0.Add(2 * time.Second), End: t0.Add(5 * time.Second)},
		{Start: t0.Add(8 * time.Second), End: t0.Add(9 * time.Second)},
	}
	// 20s wall time, 4s paused
	assert.Equal(t, 16*time.Second, Elapsed(t0, pauses, t0.Add(20*time.Second)))
}

func TestElapsed_OpenPauseExtendsToNow(t *testing.T) {
	t.Parallel()
	pauses := []Interval{{Start: t0.Add(5 * time.Second)}}
	// paused from 5s onward: elapsed is frozen at 5s no matter how long we wait
	assert.Equal(t, 5*time.Second, Elapsed(t0, pauses, t0.Add(6*time.Second)))
	assert.Equal(t, 5*time.Second, Elapsed(t0, pauses, t0.Add(1*time.Hour)))
}

func TestElapsed_PauseResumeNeutrality(t *testing.T) {
	t.Parallel()

	// For any sequence of pause/resume, elapsed immediately after a resume
	// equals elapsed immediately before the matching pause.
	var pauses []Interval
	cursor := t0
	for i := 0; i < 5; i++ {
		cursor = cursor.Add(time.Duration(i+1) * time.Second) // record a while
		before := Elapsed(t0, pauses, cursor)

		pauseStart := cursor
		cursor = cursor.Add(time.Duration(i+1) * 7 * time.Second) // stay paused a while
		pauses = append(pauses, Interval{Start: pauseStart, End: cursor})

		after := Elapsed(t0, pauses, cursor)
		require.Equal(t, before, after, "pause %d must not count toward recording time", i)
	}
}

func TestTotalPaused(t *testing.T) {
	t.Parallel()
	pauses := []Interval{
		{Start: t0, End: t0.Add(time.Second)},
		{Start: t0.Add(10 * time.Second)}, // open
	}
	assert.Equal(t, 3*time.Second, TotalPaused(pauses, t0.Add(12*time.Second)))
	// interval end after now is clipped
	clipped := []Interval{{Start: t0, End: t0.Add(time.Minute)}}
	assert.Equal(t, 2*time.Second, TotalPaused(clipped, t0.Add(2*time.Second)))
}
