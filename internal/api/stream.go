package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cwygoda/fetchd/internal/domain"
)

// streamEvent is the wire format of one progress-stream frame.
type streamEvent struct {
	Type string      `json:"type"`
	Job  jobResponse `json:"job"`
}

// handleEvents serves the live progress stream of one job over
// Server-Sent Events. The stream ends after a terminal event; a job
// that is already terminal yields its terminal event once and closes.
// Clients reconcile by polling GET /api/jobs/{id} on stream end.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before the status check so a terminal transition in
	// between is never missed.
	ch, cancel := s.hub.Subscribe(id)
	defer cancel()

	job, err := s.orch.Get(r.Context(), id)
	if err != nil {
		s.notFoundOrInternal(w, err, "events")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if job.Status.Terminal() {
		writeSSE(w, domain.Event{Type: domain.TerminalEvent(job.Status), Job: *job})
		flusher.Flush()
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev domain.Event) {
	payload, err := json.Marshal(streamEvent{
		Type: string(ev.Type),
		Job:  jobToResponse(&ev.Job),
	})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
