package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/arcoscribe/server/lib/archive"
	"github.com/arcoscribe/server/lib/capture"
	"github.com/arcoscribe/server/lib/events"
	"github.com/arcoscribe/server/lib/logger"
	"github.com/arcoscribe/server/lib/session"
	"github.com/arcoscribe/server/lib/store"
)

type startRequest struct {
	Id                   *string `json:"id,omitempty"`
	MaxSegmentDurationMS *int64  `json:"max_segment_duration_ms,omitempty"`

	// capture overrides; defaults come from server configuration
	InputFormat  *string `json:"input_format,omitempty"`
	Device       *string `json:"device,omitempty"`
	SampleRate   *int    `json:"sample_rate,omitempty"`
	Channels     *int    `json:"channels,omitempty"`
	AudioBitrate *string `json:"audio_bitrate,omitempty"`
}

type sessionRequest struct {
	Id     *string `json:"id,omitempty"`
	Origin *string `json:"origin,omitempty"`
}

type signalRequest struct {
	Id     *string `json:"id,omitempty"`
	Signal string  `json:"signal"`
}

func (s *ApiService) sessionID(id *string) string {
	if id != nil && *id != "" {
		return *id
	}
	return s.defaultSessionID
}

func (s *ApiService) StartRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "malformed request body")
		return
	}
	sessionID := s.sessionID(req.Id)

	overrides := capture.Params{
		InputFormat:  req.InputFormat,
		Device:       req.Device,
		SampleRate:   req.SampleRate,
		Channels:     req.Channels,
		AudioBitrate: req.AudioBitrate,
	}
	params := capture.MergeParams(s.defaultParams, overrides)
	factory, err := s.newFactory(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, err.Error())
		return
	}

	maxSegment := s.maxSegmentDuration
	if req.MaxSegmentDurationMS != nil {
		if *req.MaxSegmentDurationMS < 0 {
			writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "max_segment_duration_ms must not be negative")
			return
		}
		maxSegment = time.Duration(*req.MaxSegmentDurationMS) * time.Millisecond
	}

	s.mu.Lock()
	if existing, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		switch existing.State() {
		case session.StateRecording, session.StatePaused:
			log.Error("attempted to start recording while one is already active", "session_id", sessionID)
			writeError(w, http.StatusConflict, session.ErrorKindInvalidState, "recording already in progress")
		default:
			log.Error("attempted to restart a completed recording", "session_id", sessionID)
			writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "recording already completed")
		}
		return
	}
	sess := session.New(session.Config{
		ID:                 sessionID,
		OutputDir:          s.outputDir,
		MaxSegmentDuration: maxSegment,
		ProgressInterval:   s.progressInterval,
	}, factory, s.joiner, s.newGuard(), events.NewBus())
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		log.Error("failed to start recording", "err", err, "session_id", sessionID)
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, session.ErrorKindDevice, "failed to start recording")
		return
	}

	log.Info("recording started", "session_id", sessionID)
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *ApiService) PauseRecording(w http.ResponseWriter, r *http.Request) {
	s.pauseResume(w, r, true)
}

func (s *ApiService) ResumeRecording(w http.ResponseWriter, r *http.Request) {
	s.pauseResume(w, r, false)
}

func (s *ApiService) pauseResume(w http.ResponseWriter, r *http.Request, pause bool) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "malformed request body")
		return
	}
	sessionID := s.sessionID(req.Id)

	origin := session.OriginUser
	if req.Origin != nil {
		origin = session.PauseOrigin(*req.Origin)
	}
	switch origin {
	case session.OriginUser, session.OriginBackground, session.OriginInterruption:
	default:
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, fmt.Sprintf("unknown origin %q", origin))
		return
	}

	sess, ok := s.getSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no such recording")
		return
	}

	var err error
	if pause {
		err = sess.Pause(ctx, origin)
	} else {
		err = sess.Resume(ctx, origin)
	}
	switch {
	case errors.Is(err, session.ErrWrongOrigin):
		writeError(w, http.StatusConflict, session.ErrorKindInvalidState, err.Error())
		return
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, session.ErrorKindInvalidState, err.Error())
		return
	case err != nil:
		log.Error("pause/resume failed", "err", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, session.ErrorKindDevice, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *ApiService) StopRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req sessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "malformed request body")
		return
	}
	sessionID := s.sessionID(req.Id)

	sess, ok := s.getSession(sessionID)
	if !ok {
		log.Error("attempted to stop recording when none is active", "session_id", sessionID)
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no active recording to stop")
		return
	}

	res, err := sess.Stop(ctx, session.ReasonManual)
	switch {
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusConflict, session.ErrorKindInvalidState, err.Error())
		return
	case err != nil:
		// the session is Stopped; the segment files survive for retry
		log.Error("finalize failed", "err", err, "session_id", sessionID)
		writeError(w, http.StatusInternalServerError, session.ErrorKindConcat, err.Error())
		return
	}

	if err := s.persist(ctx, sess, res); err != nil {
		writeError(w, http.StatusInternalServerError, session.ErrorKindConcat, "recording finished but could not be cataloged")
		return
	}

	log.Info("recording stopped", "session_id", sessionID, "duration", res.Duration)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// SignalRecording delivers platform notifications that the client observed:
// an audio interruption pauses, an input route change forces a stop.
func (s *ApiService) SignalRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req signalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "malformed request body")
		return
	}
	sessionID := s.sessionID(req.Id)

	sess, ok := s.getSession(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no such recording")
		return
	}

	switch req.Signal {
	case "interruption":
		if err := sess.HandleInterruption(ctx); err != nil && !errors.Is(err, session.ErrInvalidState) {
			log.Error("interruption handling failed", "err", err, "session_id", sessionID)
			writeError(w, http.StatusInternalServerError, session.ErrorKindDevice, err.Error())
			return
		}
	case "route_change":
		res, err := sess.HandleRouteChange(ctx)
		if err != nil && !errors.Is(err, session.ErrInvalidState) {
			log.Error("route change handling failed", "err", err, "session_id", sessionID)
			writeError(w, http.StatusInternalServerError, session.ErrorKindDevice, err.Error())
			return
		}
		if res != nil {
			if err := s.persist(ctx, sess, res); err != nil {
				writeError(w, http.StatusInternalServerError, session.ErrorKindConcat, "recording finished but could not be cataloged")
				return
			}
		}
	default:
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, fmt.Sprintf("unknown signal %q", req.Signal))
		return
	}

	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *ApiService) RecordingStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := s.getSession(id); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}

	rec, err := s.catalog.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no such recording")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, session.ErrorKindInvalidState, "catalog lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// listEntry merges live registry state with the catalog.
type listEntry struct {
	Id         string `json:"id"`
	State      string `json:"state"`
	DurationMS int64  `json:"duration_ms"`
	Segments   int    `json:"segments"`
}

func (s *ApiService) ListRecordings(w http.ResponseWriter, r *http.Request) {
	entries := []listEntry{}
	seen := map[string]bool{}

	s.mu.RLock()
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.RUnlock()

	for _, sess := range live {
		snap := sess.Snapshot()
		entries = append(entries, listEntry{
			Id:         snap.ID,
			State:      string(snap.State),
			DurationMS: snap.Elapsed.Milliseconds(),
			Segments:   len(snap.Segments),
		})
		seen[snap.ID] = true
	}

	recs, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, session.ErrorKindInvalidState, "catalog listing failed")
		return
	}
	for _, rec := range recs {
		if seen[rec.ID] {
			continue
		}
		entries = append(entries, listEntry{
			Id:         rec.ID,
			State:      string(session.StateStopped),
			DurationMS: rec.DurationMS,
			Segments:   len(rec.Segments),
		})
	}

	writeJSON(w, http.StatusOK, entries)
}

// lookupFinished resolves a recording that has a final output file, from the
// live registry or the catalog.
func (s *ApiService) lookupFinished(ctx context.Context, id string) (path string, durationMS int64, segments []string, err error) {
	if sess, ok := s.getSession(id); ok {
		snap := sess.Snapshot()
		if snap.State != session.StateStopped {
			return "", 0, nil, session.ErrInvalidState
		}
		if snap.Result == nil {
			return "", 0, nil, fmt.Errorf("recording stopped without a merged output")
		}
		segments = lo.Map(snap.Segments, func(seg session.Segment, _ int) string { return seg.Path })
		return snap.Result.Path, snap.Result.Duration.Milliseconds(), segments, nil
	}

	rec, err := s.catalog.Get(ctx, id)
	if err != nil {
		return "", 0, nil, err
	}
	segments = lo.Map(rec.Segments, func(seg store.SegmentRow, _ int) string { return seg.Path })
	return rec.Path, rec.DurationMS, segments, nil
}

func (s *ApiService) DownloadRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "id")

	path, durationMS, _, err := s.lookupFinished(ctx, id)
	switch {
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "recording must be stopped first")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no recording found")
		return
	case err != nil:
		log.Error("failed to resolve recording", "err", err, "session_id", id)
		writeError(w, http.StatusInternalServerError, session.ErrorKindInvalidState, "failed to resolve recording")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Error("recording file missing", "err", err, "session_id", id, "path", path)
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "recording file missing")
		return
	}
	defer f.Close()

	log.Info("serving recording for download", "session_id", id, "path", path)
	w.Header().Set("Content-Type", "audio/mp4")
	w.Header().Set("X-Recording-Duration-Ms", fmt.Sprintf("%d", durationMS))
	http.ServeContent(w, r, fmt.Sprintf("%s.m4a", id), time.Time{}, f)
}

// ArchiveRecording streams the merged output plus every segment as tar.zst.
func (s *ApiService) ArchiveRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "id")

	path, _, segments, err := s.lookupFinished(ctx, id)
	switch {
	case errors.Is(err, session.ErrInvalidState):
		writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "recording must be stopped first")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no recording found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, session.ErrorKindInvalidState, "failed to resolve recording")
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".tar.zst"))
	if err := archive.WriteBundle(w, append([]string{path}, segments...), archive.LevelDefault); err != nil {
		// headers are gone; all we can do is log and drop the connection
		log.Error("archive streaming failed", "err", err, "session_id", id)
	}
}

func (s *ApiService) DeleteRecording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	id := chi.URLParam(r, "id")

	var paths []string
	if sess, ok := s.getSession(id); ok {
		snap := sess.Snapshot()
		if snap.State == session.StateRecording || snap.State == session.StatePaused {
			log.Error("attempted to delete recording while still in progress", "session_id", id)
			writeError(w, http.StatusBadRequest, session.ErrorKindInvalidState, "recording must be stopped first")
			return
		}
		for _, seg := range snap.Segments {
			paths = append(paths, seg.Path)
		}
		if snap.Result != nil {
			paths = append(paths, snap.Result.Path)
		}
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}

	rec, err := s.catalog.Get(ctx, id)
	switch {
	case err == nil:
		for _, seg := range rec.Segments {
			paths = append(paths, seg.Path)
		}
		paths = append(paths, rec.Path)
		if err := s.catalog.Delete(ctx, id); err != nil {
			log.Error("failed to delete catalog entry", "err", err, "session_id", id)
			writeError(w, http.StatusInternalServerError, session.ErrorKindInvalidState, "failed to delete recording")
			return
		}
	case errors.Is(err, store.ErrNotFound):
		if len(paths) == 0 {
			writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no recording found")
			return
		}
	default:
		writeError(w, http.StatusInternalServerError, session.ErrorKindInvalidState, "catalog lookup failed")
		return
	}

	// fine to do this async
	go func() {
		for _, p := range paths {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Error("failed to delete recording file", "err", err, "path", p)
			}
		}
		log.Info("recording deleted", "session_id", id)
	}()

	w.WriteHeader(http.StatusOK)
}
