package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/services/ingest"
)

const (
	liveWait     = 1 * time.Second
	pollFallback = 2500 * time.Millisecond
)

// ProgressHandler streams job progress over SSE. Clients get live
// updates when the worker runs in this process and snapshot polling as
// the fallback, so a reconnecting client never misses the terminal
// state.
type ProgressHandler struct {
	ingest   *ingest.Service
	progress interfaces.ProgressStore
	logger   arbor.ILogger
}

// NewProgressHandler creates a progress streaming handler
func NewProgressHandler(ingestSvc *ingest.Service, progress interfaces.ProgressStore, logger arbor.ILogger) *ProgressHandler {
	return &ProgressHandler{
		ingest:   ingestSvc,
		progress: progress,
		logger:   logger,
	}
}

// StreamHandler streams progress events for a job
// GET /api/progress/{job_id}
func (h *ProgressHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	var jobID string
	if idx := strings.LastIndex(r.URL.Path, "/progress/"); idx >= 0 {
		jobID = r.URL.Path[idx+len("/progress/"):]
	}
	if jobID == "" || strings.Contains(jobID, "/") {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}

	// Existence is checked before any SSE framing goes out
	job, err := h.ingest.GetJob(r.Context(), jobID)
	if err == interfaces.ErrNotFound {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	updates, cancel := h.progress.Subscribe(jobID)
	defer cancel()

	// Initial event: the stored snapshot when one exists, otherwise a
	// zero-progress view synthesized from the job row
	snapshot, err := h.progress.GetSnapshot(r.Context(), jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load progress snapshot")
	}
	if snapshot == nil {
		snapshot = initialFields(string(job.Status), job.TotalRows)
	}
	h.writeEvent(w, flusher, snapshot)
	if isTerminalStatus(snapshot) {
		h.writeClose(w, flusher)
		return
	}

	lastPoll := time.Now()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Str("job_id", jobID).Msg("Progress client disconnected")
			return

		case fields, open := <-updates:
			if !open {
				h.writeClose(w, flusher)
				return
			}
			h.writeEvent(w, flusher, fields)
			if isTerminalStatus(fields) {
				h.writeClose(w, flusher)
				return
			}

		case <-time.After(liveWait):
			if time.Since(lastPoll) < pollFallback {
				// Keep intermediaries from timing out the idle stream
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
				continue
			}
			lastPoll = time.Now()

			fields, err := h.progress.GetSnapshot(r.Context(), jobID)
			if err != nil || fields == nil {
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
				continue
			}
			h.writeEvent(w, flusher, fields)
			if isTerminalStatus(fields) {
				h.writeClose(w, flusher)
				return
			}
		}
	}
}

func (h *ProgressHandler) writeEvent(w http.ResponseWriter, flusher http.Flusher, fields interfaces.ProgressFields) {
	data, err := json.Marshal(fields)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode progress event")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (h *ProgressHandler) writeClose(w http.ResponseWriter, flusher http.Flusher) {
	fmt.Fprint(w, "data: {\"event\":\"close\"}\n\n")
	flusher.Flush()
}

// initialFields synthesizes a snapshot for a job whose worker has not
// published anything yet
func initialFields(status string, totalRows *int64) interfaces.ProgressFields {
	var total int64
	if totalRows != nil {
		total = *totalRows
	}
	fields := interfaces.ProgressFields{
		"status":         status,
		"stage":          "waiting",
		"processed_rows": int64(0),
		"total_rows":     total,
	}
	if total > 0 {
		fields["progress"] = float64(0)
	} else {
		fields["progress"] = nil
	}
	return fields
}

// isTerminalStatus reports whether a progress payload describes a
// finished job. Snapshots store status as a plain string.
func isTerminalStatus(fields interfaces.ProgressFields) bool {
	status, _ := fields["status"].(string)
	return status == "done" || status == "failed"
}
