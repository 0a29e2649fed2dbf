// Package api exposes the recording service over HTTP: session control,
// status, the recordings catalog, downloads, and a live event socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arcoscribe/server/lib/capture"
	"github.com/arcoscribe/server/lib/concat"
	"github.com/arcoscribe/server/lib/lifecycle"
	"github.com/arcoscribe/server/lib/logger"
	"github.com/arcoscribe/server/lib/session"
	"github.com/arcoscribe/server/lib/store"
)

// Options wires the service's collaborators.
type Options struct {
	OutputDir          string
	MaxSegmentDuration time.Duration
	ProgressInterval   time.Duration
	DefaultParams      capture.Params
	// NewFactory builds the capture factory for one session's merged params.
	NewFactory func(capture.Params) (capture.Factory, error)
	Joiner     concat.Concatenator
	// NewGuard creates a fresh lifecycle guard per session.
	NewGuard func() *lifecycle.Guard
	Catalog  *store.Store
}

type ApiService struct {
	// defaultSessionID is used whenever the caller doesn't specify an explicit ID.
	defaultSessionID string

	outputDir          string
	maxSegmentDuration time.Duration
	progressInterval   time.Duration
	defaultParams      capture.Params
	newFactory         func(capture.Params) (capture.Factory, error)
	joiner             concat.Concatenator
	newGuard           func() *lifecycle.Guard
	catalog            *store.Store

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func New(opts Options) (*ApiService, error) {
	switch {
	case opts.NewFactory == nil:
		return nil, fmt.Errorf("newFactory cannot be nil")
	case opts.Joiner == nil:
		return nil, fmt.Errorf("joiner cannot be nil")
	case opts.NewGuard == nil:
		return nil, fmt.Errorf("newGuard cannot be nil")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("catalog cannot be nil")
	case opts.OutputDir == "":
		return nil, fmt.Errorf("output dir cannot be empty")
	}

	return &ApiService{
		defaultSessionID:   "default",
		outputDir:          opts.OutputDir,
		maxSegmentDuration: opts.MaxSegmentDuration,
		progressInterval:   opts.ProgressInterval,
		defaultParams:      opts.DefaultParams,
		newFactory:         opts.NewFactory,
		joiner:             opts.Joiner,
		newGuard:           opts.NewGuard,
		catalog:            opts.Catalog,
		sessions:           make(map[string]*session.Session),
	}, nil
}

// Routes mounts every endpoint on r.
func (s *ApiService) Routes(r chi.Router) {
	r.Post("/recordings/start", s.StartRecording)
	r.Post("/recordings/pause", s.PauseRecording)
	r.Post("/recordings/resume", s.ResumeRecording)
	r.Post("/recordings/stop", s.StopRecording)
	r.Post("/recordings/signal", s.SignalRecording)
	r.Get("/recordings", s.ListRecordings)
	r.Get("/recordings/{id}/status", s.RecordingStatus)
	r.Get("/recordings/{id}/download", s.DownloadRecording)
	r.Get("/recordings/{id}/archive", s.ArchiveRecording)
	r.Get("/recordings/{id}/events", s.RecordingEvents)
	r.Delete("/recordings/{id}", s.DeleteRecording)
}

// Shutdown stops every active session. Captured audio is finalized and
// cataloged the same way an explicit stop would.
func (s *ApiService) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	active := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess)
	}
	s.mu.RUnlock()

	var errs []error
	for _, sess := range active {
		st := sess.State()
		if st != session.StateRecording && st != session.StatePaused {
			continue
		}
		res, err := sess.Stop(ctx, session.ReasonAPIStop)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID(), err))
			continue
		}
		if err := s.persist(ctx, sess, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *ApiService) getSession(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// persist records a finished session in the catalog.
func (s *ApiService) persist(ctx context.Context, sess *session.Session, res *session.Result) error {
	snap := sess.Snapshot()
	rec := store.Recording{
		ID:         snap.ID,
		Path:       res.Path,
		DurationMS: res.Duration.Milliseconds(),
		StoppedAt:  time.Now().UTC(),
	}
	for _, seg := range snap.Segments {
		rec.Segments = append(rec.Segments, store.SegmentRow{
			RecordingID:   snap.ID,
			SegmentIndex:  seg.Index,
			Path:          seg.Path,
			StartOffsetMS: seg.StartOffset.Milliseconds(),
			DurationMS:    seg.Duration.Milliseconds(),
			StopReason:    string(seg.StopReason),
		})
	}
	if err := s.catalog.Save(ctx, rec); err != nil {
		logger.FromContext(ctx).Error("failed to catalog recording", "err", err, "session_id", snap.ID)
		return fmt.Errorf("catalog session %s: %w", snap.ID, err)
	}
	return nil
}

// --- JSON plumbing ---

// errorBody is the uniform error payload: a stable kind plus a human message.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Kind: kind, Message: message})
}

// decodeBody tolerates an absent or empty body; malformed JSON is an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
