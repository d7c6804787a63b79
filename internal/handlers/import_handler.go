package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/services/ingest"
)

// ImportHandler exposes import job rows for polling clients
type ImportHandler struct {
	ingest *ingest.Service
	logger arbor.ILogger
}

// NewImportHandler creates an import job handler
func NewImportHandler(ingestSvc *ingest.Service, logger arbor.ILogger) *ImportHandler {
	return &ImportHandler{
		ingest: ingestSvc,
		logger: logger,
	}
}

// ListHandler returns recent import jobs, newest first
// GET /api/imports
func (h *ImportHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit, _ := GetPaginationParams(r)
	jobs, err := h.ingest.ListRecentJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "failed to list imports")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"imports": jobs,
		"total":   len(jobs),
	})
}

// GetHandler returns one import job
// GET /api/imports/{job_id}
func (h *ImportHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	jobID := parts[len(parts)-1]
	if jobID == "" || jobID == "imports" {
		WriteError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, err := h.ingest.GetJob(r.Context(), jobID)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	WriteJSON(w, http.StatusOK, job)
}
