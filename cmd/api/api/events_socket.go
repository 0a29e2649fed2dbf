package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/arcoscribe/server/lib/logger"
	"github.com/arcoscribe/server/lib/session"
)

// RecordingEvents streams a session's progress, state, and error events over
// a websocket until the client disconnects or the session's bus closes the
// subscription.
func (s *ApiService) RecordingEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	sess, ok := s.getSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrorKindInvalidState, "no such recording")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		log.Error("failed to accept websocket for events", "err", err, "session_id", id)
		return
	}

	ch, cancel := sess.Events().Subscribe(64)
	defer cancel()

	// drain client frames so pings and close frames are processed
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(r.Context(), conn, ev); err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
