package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mkarlsen/quantd/internal/jobs"
	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type createJobRequest struct {
	Class   model.Class     `json:"class"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type listJobsResponse struct {
	Jobs  []*model.Job `json:"jobs"`
	Total int          `json:"total"`
}

// handleCreateJob accepts a job submission and schedules it for execution.
// The response is the pending job record; execution happens asynchronously.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !model.ValidClass(req.Class) {
		writeError(w, http.StatusBadRequest, "unknown job class: "+string(req.Class))
		return
	}

	builder, err := s.table.Resolve(req.Class)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.engine.Submit(req.Class, req.Payload, builder(req.Payload))
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			writeError(w, http.StatusConflict, "a job of class "+string(req.Class)+" is already active")
			return
		}
		s.logger.Error("submit job", "class", req.Class, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	j, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusInternalServerError, "job vanished after submit")
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// handleGetJob returns a single job. Live jobs come from the registry;
// evicted ones fall back to the durable store.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if j, ok := s.registry.Get(id); ok {
		writeJSON(w, http.StatusOK, j)
		return
	}

	if s.store != nil {
		j, err := s.store.GetJob(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, j)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("get job", "job_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
	}

	writeError(w, http.StatusNotFound, "job not found")
}

// handleListJobs returns the persisted job history, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, listJobsResponse{Jobs: []*model.Job{}})
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := parseIntQuery(r, "offset", 0)

	list, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: list, Total: total})
}

// handleCancelJob requests cooperative cancellation of a job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, outcome := s.registry.Cancel(id)
	switch outcome {
	case jobs.CancelDone:
		writeJSON(w, http.StatusOK, j)
	case jobs.CancelNotFound:
		writeError(w, http.StatusNotFound, "job not found")
	case jobs.CancelNotCancellable:
		writeError(w, http.StatusConflict, "job already finished")
	}
}

// handleListClasses returns the job classes with a registered work function.
func (s *Server) handleListClasses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]model.Class{
		"classes": s.table.Classes(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
