// Package session implements the recording state machine: segment lifecycle
// and rotation, pause accounting, and final concatenation. One mutex
// serializes every transition; the segment timer, capture failures, external
// interruption signals, and guard expiry all funnel through it, so a call
// arriving mid-rotation is queued and applied to the post-rotation state.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/samber/lo"

	"github.com/arcoscribe/server/lib/capture"
	"github.com/arcoscribe/server/lib/clock"
	"github.com/arcoscribe/server/lib/concat"
	"github.com/arcoscribe/server/lib/events"
	"github.com/arcoscribe/server/lib/lifecycle"
	"github.com/arcoscribe/server/lib/logger"
)

// Config carries per-session settings.
type Config struct {
	// ID is optional; a cuid is generated when empty.
	ID        string
	OutputDir string
	// MaxSegmentDuration caps each segment. Zero means unlimited: the whole
	// recording is a single segment.
	MaxSegmentDuration time.Duration
	// ProgressInterval is the cadence of progress events. Zero disables them.
	ProgressInterval time.Duration
}

// Session is one logical recording captured as a sequence of segments. All
// exported methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id                 string
	outputDir          string
	maxSegmentDuration time.Duration
	progressInterval   time.Duration

	factory capture.Factory
	joiner  concat.Concatenator
	guard   *lifecycle.Guard
	bus     *events.Bus

	// injectable for deterministic tests
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	state       State
	pauseOrigin PauseOrigin

	recordingStartTime time.Time
	segmentStartTime   time.Time
	pauseStartTime     time.Time
	totalPauseDuration time.Duration
	// pauses within the current segment, for live elapsed computation
	segmentPauses []clock.Interval

	// totalDurationOfCompletedSegmentsSoFar
	completedDuration time.Duration
	// elapsed-time snapshot taken when the current segment began
	durationAtSegmentStart time.Duration

	segments     []Segment
	open         *Segment
	unit         capture.Unit
	unitGen      int
	segmentIndex int

	timer    *time.Timer
	timerGen int

	progressDone chan struct{}

	// opCtx is used by timer/failure/expiry callbacks that outlive the
	// triggering request
	opCtx context.Context

	result *Result
}

// New creates an Idle session. The guard must be dedicated to this session:
// its expiry callback is wired to the session's failure path.
func New(cfg Config, factory capture.Factory, joiner concat.Concatenator, guard *lifecycle.Guard, bus *events.Bus) *Session {
	id := cfg.ID
	if id == "" {
		id = cuid2.Generate()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	s := &Session{
		id:                 id,
		outputDir:          cfg.OutputDir,
		maxSegmentDuration: cfg.MaxSegmentDuration,
		progressInterval:   cfg.ProgressInterval,
		factory:            factory,
		joiner:             joiner,
		guard:              guard,
		bus:                bus,
		now:                time.Now,
		afterFunc:          time.AfterFunc,
		state:              StateIdle,
		opCtx:              context.Background(),
	}
	if guard != nil {
		guard.OnExpiry(s.handleGuardExpiry)
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Events returns the session's event bus for subscription.
func (s *Session) Events() *events.Bus { return s.bus }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns authoritative elapsed recording time: frozen while paused
// or stopped, live while recording. Never mutates session state.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked(s.now())
}

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs := make([]Segment, len(s.segments))
	copy(segs, s.segments)
	if s.open != nil {
		segs = append(segs, *s.open)
	}
	return Snapshot{
		ID:                 s.id,
		State:              s.state,
		PauseOrigin:        s.pauseOrigin,
		Elapsed:            s.elapsedLocked(s.now()),
		TotalPauseDuration: s.totalPauseDuration,
		SegmentIndex:       s.segmentIndex - 1,
		Segments:           segs,
		Result:             s.result,
	}
}

// Start opens segment 0 and enters Recording. Valid only from Idle.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, s.state)
	}

	s.opCtx = context.WithoutCancel(ctx)
	if err := s.openSegmentLocked(ctx); err != nil {
		return err
	}
	s.recordingStartTime = s.segmentStartTime
	s.durationAtSegmentStart = 0
	s.setStateLocked(StateRecording)

	if s.progressInterval > 0 {
		s.progressDone = make(chan struct{})
		go s.progressLoop(s.progressDone)
	}
	return nil
}

// Pause suspends capture without ending the current segment. Valid only from
// Recording; origin records who paused and gates the matching resume.
func (s *Session) Pause(ctx context.Context, origin PauseOrigin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, s.state)
	}
	if origin == OriginNone {
		return fmt.Errorf("%w: pause requires an origin", ErrInvalidState)
	}

	if err := s.unit.Suspend(ctx); err != nil {
		return fmt.Errorf("failed to suspend capture: %w", err)
	}
	s.stopTimerLocked()

	now := s.now()
	s.pauseStartTime = now
	s.segmentPauses = append(s.segmentPauses, clock.Interval{Start: now})
	s.pauseOrigin = origin
	s.setStateLocked(StatePaused)
	return nil
}

// Resume continues capture into the same segment. Valid only from Paused,
// and only for the actor that paused.
func (s *Session) Resume(ctx context.Context, origin PauseOrigin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, s.state)
	}
	if origin != s.pauseOrigin {
		return fmt.Errorf("%w: paused by %q, resume attempted by %q", ErrWrongOrigin, s.pauseOrigin, origin)
	}

	if err := s.unit.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume capture: %w", err)
	}

	now := s.now()
	s.totalPauseDuration += now.Sub(s.pauseStartTime)
	s.segmentPauses[len(s.segmentPauses)-1].End = now
	s.pauseOrigin = OriginNone
	s.setStateLocked(StateRecording)

	// re-arm the remaining segment budget
	if s.maxSegmentDuration > 0 {
		remaining := s.maxSegmentDuration - clock.Elapsed(s.segmentStartTime, s.segmentPauses, now)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		s.armTimerLocked(remaining)
	}
	return nil
}

// Stop finalizes the active segment, concatenates all segments, and enters
// the terminal Stopped state. Valid from Recording or Paused; a second Stop
// fails with ErrInvalidState and does not touch the produced output.
func (s *Session) Stop(ctx context.Context, reason StopReason) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRecording && s.state != StatePaused {
		return nil, fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, s.state)
	}
	if reason == ReasonNone {
		reason = ReasonManual
	}

	var tok lifecycle.Token
	var guarded bool
	if s.guard != nil {
		if t, err := s.guard.Acquire(ctx, "finalize"); err == nil {
			tok, guarded = t, true
		} else {
			logger.FromContext(ctx).Warn("proceeding without execution guard", "err", err)
		}
	}
	if guarded {
		defer s.guard.Release(ctx, tok)
	}

	now := s.now()
	if s.state == StatePaused {
		s.totalPauseDuration += now.Sub(s.pauseStartTime)
		s.segmentPauses[len(s.segmentPauses)-1].End = now
		s.pauseOrigin = OriginNone
	}
	s.stopTimerLocked()
	s.stopProgressLocked()

	if d, err := s.unit.Finish(ctx); err != nil {
		logger.FromContext(ctx).Error("failed to finalize segment cleanly", "err", err, "session_id", s.id)
		s.publishError(ErrorKindDevice, err.Error())
		s.finalizeOpenLocked(ReasonFailed, clock.Elapsed(s.segmentStartTime, s.segmentPauses, now))
	} else {
		s.finalizeOpenLocked(reason, d)
	}

	s.setStateLocked(StateStopped)
	return s.concatenateLocked(ctx)
}

// HandleInterruption maps an OS audio-session interruption to a pause.
func (s *Session) HandleInterruption(ctx context.Context) error {
	return s.Pause(ctx, OriginInterruption)
}

// HandleRouteChange maps a route change that invalidated the active input to
// a forced stop, so we never silently record from the wrong device.
func (s *Session) HandleRouteChange(ctx context.Context) (*Result, error) {
	return s.Stop(ctx, ReasonRouteChange)
}

// --- internal transitions (s.mu held unless noted) ---

func (s *Session) openSegmentLocked(ctx context.Context) error {
	path := filepath.Join(s.outputDir, fmt.Sprintf("%s-seg%03d.m4a", s.id, s.segmentIndex))
	unit, err := s.factory(path)
	if err != nil {
		return fmt.Errorf("capture device unavailable: %w", err)
	}
	if err := unit.Open(ctx); err != nil {
		return fmt.Errorf("capture device unavailable: %w", err)
	}

	s.unit = unit
	s.open = &Segment{
		Index:       s.segmentIndex,
		Path:        path,
		StartOffset: s.durationAtSegmentStart,
	}
	s.segmentIndex++
	s.segmentStartTime = s.now()
	s.segmentPauses = nil

	s.unitGen++
	go s.watchFailures(unit, s.unitGen)

	if s.maxSegmentDuration > 0 {
		s.armTimerLocked(s.maxSegmentDuration)
	}
	return nil
}

func (s *Session) finalizeOpenLocked(reason StopReason, duration time.Duration) {
	if s.open == nil {
		return
	}
	s.open.Duration = duration
	s.open.StopReason = reason
	s.segments = append(s.segments, *s.open)
	s.open = nil
	s.unit = nil
	s.completedDuration += duration
	s.durationAtSegmentStart = s.completedDuration
}

// rotateLocked closes the current segment with reason Timed and opens the
// next one. The whole transition happens under the session lock and inside
// an execution guard, so a pause or stop arriving mid-rotation serializes
// behind it and sees a consistent state.
func (s *Session) rotateLocked(ctx context.Context) {
	log := logger.FromContext(ctx)

	var tok lifecycle.Token
	var guarded bool
	if s.guard != nil {
		if t, err := s.guard.Acquire(ctx, "rotation"); err == nil {
			tok, guarded = t, true
		} else {
			log.Warn("rotating without execution guard", "err", err)
		}
	}
	if guarded {
		defer s.guard.Release(ctx, tok)
	}

	d, err := s.unit.Finish(ctx)
	if err != nil {
		log.Error("segment finalize failed during rotation", "err", err, "session_id", s.id)
		s.failLocked(ctx, ErrorKindDevice, err)
		return
	}
	s.finalizeOpenLocked(ReasonTimed, d)
	log.Info("segment rotated", "session_id", s.id, "segments", len(s.segments))

	if err := s.openSegmentLocked(ctx); err != nil {
		log.Error("failed to open next segment", "err", err, "session_id", s.id)
		s.failLocked(ctx, ErrorKindDevice, err)
	}
}

// failLocked is the shared forced-stop path for device failures and guard
// expiry: the open segment (if any) is finalized with reason Failed, the
// session becomes Stopped, and whatever was captured is still concatenated.
func (s *Session) failLocked(ctx context.Context, kind string, cause error) {
	s.stopTimerLocked()
	s.stopProgressLocked()

	now := s.now()
	if s.pauseOrigin != OriginNone {
		s.totalPauseDuration += now.Sub(s.pauseStartTime)
		s.segmentPauses[len(s.segmentPauses)-1].End = now
		s.pauseOrigin = OriginNone
	}

	if s.unit != nil {
		d, err := s.unit.Finish(ctx)
		if err != nil {
			d = clock.Elapsed(s.segmentStartTime, s.segmentPauses, now)
		}
		s.finalizeOpenLocked(ReasonFailed, d)
	}

	s.publishError(kind, cause.Error())
	s.setStateLocked(StateStopped)

	if len(s.segments) > 0 {
		if _, err := s.concatenateLocked(ctx); err != nil {
			logger.FromContext(ctx).Error("concatenation after failure", "err", err, "session_id", s.id)
		}
	}
}

// concatenateLocked joins the finalized segments and records the result. On
// concat failure the session stays Stopped and the segment files remain on
// disk for out-of-band retry.
func (s *Session) concatenateLocked(ctx context.Context) (*Result, error) {
	if len(s.segments) == 0 {
		err := fmt.Errorf("no segments were captured")
		s.publishError(ErrorKindDevice, err.Error())
		return nil, err
	}

	paths := lo.Map(s.segments, func(seg Segment, _ int) string { return seg.Path })
	outputPath := filepath.Join(s.outputDir, fmt.Sprintf("%s.m4a", s.id))

	d, err := s.joiner.Concatenate(ctx, paths, outputPath)
	if err != nil {
		s.publishError(ErrorKindConcat, err.Error())
		return nil, fmt.Errorf("concatenation failed, segment files kept for retry: %w", err)
	}

	s.result = &Result{Path: outputPath, Duration: d}
	return s.result, nil
}

func (s *Session) armTimerLocked(d time.Duration) {
	s.timerGen++
	gen := s.timerGen
	s.timer = s.afterFunc(d, func() { s.timerFired(gen) })
}

func (s *Session) stopTimerLocked() {
	s.timerGen++ // invalidate callbacks already in flight
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) timerFired(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.timerGen || s.state != StateRecording {
		return
	}
	s.rotateLocked(s.opCtx)
}

// watchFailures delivers an asynchronous capture-layer failure into the
// serialized transition path. Runs outside the lock.
func (s *Session) watchFailures(unit capture.Unit, gen int) {
	err, ok := <-unit.Failures()
	if !ok || err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.unitGen || (s.state != StateRecording && s.state != StatePaused) {
		return
	}
	s.failLocked(s.opCtx, ErrorKindDevice, err)
}

func (s *Session) handleGuardExpiry(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRecording && s.state != StatePaused {
		return
	}
	logger.FromContext(s.opCtx).Error("execution guard expired mid-transition", "reason", reason, "session_id", s.id)
	s.failLocked(s.opCtx, ErrorKindGuardExpired, fmt.Errorf("execution extension expired during %s", reason))
}

func (s *Session) progressLoop(done <-chan struct{}) {
	ticker := time.NewTicker(s.progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			ev := events.Event{
				Kind:         events.KindProgress,
				SessionID:    s.id,
				ElapsedMS:    s.elapsedLocked(s.now()).Milliseconds(),
				SegmentIndex: s.segmentIndex - 1,
			}
			s.mu.Unlock()
			s.bus.Publish(ev)
		}
	}
}

func (s *Session) stopProgressLocked() {
	if s.progressDone != nil {
		close(s.progressDone)
		s.progressDone = nil
	}
}

func (s *Session) elapsedLocked(now time.Time) time.Duration {
	switch s.state {
	case StateRecording, StatePaused:
		return s.durationAtSegmentStart + clock.Elapsed(s.segmentStartTime, s.segmentPauses, now)
	case StateStopped:
		if s.result != nil {
			return s.result.Duration
		}
		return s.completedDuration
	default:
		return 0
	}
}

func (s *Session) setStateLocked(to State) {
	s.state = to
	s.bus.Publish(events.Event{Kind: events.KindState, SessionID: s.id, State: string(to)})
}

func (s *Session) publishError(kind, message string) {
	s.bus.Publish(events.Event{Kind: events.KindError, SessionID: s.id, ErrorKind: kind, Message: message})
}
