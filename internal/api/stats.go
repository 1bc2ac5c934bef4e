package api

import (
	"net/http"

	"github.com/mkarlsen/quantd/internal/store"
)

// handleGetStats returns aggregate job statistics from the durable store,
// plus the live count of non-terminal jobs in the registry.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := &store.JobStats{
		CountByStatus: map[string]int{},
		CountByClass:  map[string]int{},
	}
	if s.store != nil {
		st, err := s.store.GetJobStats(r.Context())
		if err != nil {
			s.logger.Error("job stats", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to compute stats")
			return
		}
		stats = st
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   stats,
		"active": s.registry.Running(),
	})
}
