package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/store"
)

// handleStreamEvents streams a job's status events over SSE. The stream
// always ends with an event named after the job's terminal status; for jobs
// that are already terminal (or only exist in the durable store) that single
// event is the whole stream. Unknown job ids produce one "error" event so
// clients do not have to inspect the HTTP status of a half-open stream.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	j, ok := s.registry.Get(id)
	if !ok && s.store != nil {
		stored, err := s.store.GetJob(r.Context(), id)
		if err == nil {
			j, ok = stored, true
		} else if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("get job for stream", "job_id", id, "error", err)
		}
	}
	if !ok {
		writeSSEEvent(w, rc, "error", map[string]string{"error": "job not found"})
		return
	}
	if j.Status.Terminal() {
		writeSSEEvent(w, rc, string(j.Status), terminalEvent(j))
		return
	}

	events, unsubscribe := s.registry.Notifier().Subscribe(id)
	defer unsubscribe()

	// The job may have gone terminal between the snapshot and the subscribe;
	// the channel is closed then, so re-check before emitting the snapshot.
	if cur, ok := s.registry.Get(id); ok {
		if cur.Status.Terminal() {
			writeSSEEvent(w, rc, string(cur.Status), terminalEvent(cur))
			return
		}
		writeSSEEvent(w, rc, "status", model.Event{
			JobID:    cur.ID,
			Status:   cur.Status,
			Progress: cur.Progress,
		})
	}

	sseStreamsActive.Inc()
	defer sseStreamsActive.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				// End-of-stream sentinel: the job is terminal and the final
				// event has already been delivered.
				return
			}
			name := "status"
			if ev.Status.Terminal() {
				name = string(ev.Status)
			}
			writeSSEEvent(w, rc, name, ev)
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

// terminalEvent synthesizes the closing stream event from a terminal job
// record, for subscribers that arrive after the fact.
func terminalEvent(j *model.Job) model.Event {
	ev := model.Event{
		JobID:    j.ID,
		Status:   j.Status,
		Progress: j.Progress,
	}
	switch j.Status {
	case model.StatusCompleted:
		ev.Data = j.Result
	case model.StatusFailed:
		ev.Message = j.Error
	}
	return ev
}

// writeSSEEvent writes one named SSE event with a JSON payload and flushes it.
func writeSSEEvent(w http.ResponseWriter, rc *http.ResponseController, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := w.Write([]byte("event: " + name + "\ndata: " + string(data) + "\n\n")); err != nil {
		return
	}
	_ = rc.Flush()
}
