package session

import (
	"errors"
	"time"
)

// State is the externally visible lifecycle state of a recording session.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// PauseOrigin records who paused the session, so only the matching actor may
// resume. A background-induced pause must not be cleared by a stray
// foreground resume call.
type PauseOrigin string

const (
	OriginNone         PauseOrigin = ""
	OriginUser         PauseOrigin = "user"
	OriginBackground   PauseOrigin = "background"
	OriginInterruption PauseOrigin = "interruption"
)

// StopReason is the cause that ended a segment's capture.
type StopReason string

const (
	ReasonNone        StopReason = ""
	ReasonTimed       StopReason = "timed"
	ReasonManual      StopReason = "manual"
	ReasonFailed      StopReason = "failed"
	ReasonInterrupted StopReason = "interrupted"
	ReasonRouteChange StopReason = "route_change"
	ReasonAPIStop     StopReason = "api_stop"
)

// Error kinds reported to callers and on the event bus.
const (
	ErrorKindInvalidState = "InvalidState"
	ErrorKindDevice       = "DeviceError"
	ErrorKindConcat       = "ConcatError"
	ErrorKindGuardExpired = "GuardExpired"
)

var (
	// ErrInvalidState means the operation is not legal in the current state.
	// The session is not mutated.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrWrongOrigin means a resume was attempted by an actor other than the
	// one that paused.
	ErrWrongOrigin = errors.New("resume origin does not match pause origin")
)

// Segment is one finite, file-backed unit of continuous capture. Immutable
// once finalized.
type Segment struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	// StartOffset is the segment's position within the overall recording.
	StartOffset time.Duration `json:"start_offset"`
	// Duration is filled in only once the segment is finalized.
	Duration   time.Duration `json:"duration"`
	StopReason StopReason    `json:"stop_reason"`
}

// Result is the outcome of a completed session: the merged output file and
// its total duration.
type Result struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
}

// Snapshot is a read-only view of a session for reporting. It never exposes
// internal mutable state.
type Snapshot struct {
	ID                 string        `json:"id"`
	State              State         `json:"state"`
	PauseOrigin        PauseOrigin   `json:"pause_origin,omitempty"`
	Elapsed            time.Duration `json:"elapsed"`
	TotalPauseDuration time.Duration `json:"total_pause_duration"`
	SegmentIndex       int           `json:"segment_index"`
	Segments           []Segment     `json:"segments"`
	Result             *Result       `json:"result,omitempty"`
}
