package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/queue"
)

// APIHandler handles system-level API requests
type APIHandler struct {
	storage  interfaces.StorageManager
	queueMgr *queue.Manager
	logger   arbor.ILogger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(storage interfaces.StorageManager, queueMgr *queue.Manager, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		storage:  storage,
		queueMgr: queueMgr,
		logger:   logger,
	}
}

// HealthHandler reports service health with queue depths
// GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if err := h.storage.Ping(r.Context()); err != nil {
		h.logger.Warn().Err(err).Msg("Health check failed")
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	queues := make(map[string]int)
	for _, def := range queue.WorkQueues() {
		depth, err := h.queueMgr.Depth(r.Context(), def.Name)
		if err != nil {
			h.logger.Warn().Err(err).Str("queue", def.Name).Msg("Failed to read queue depth")
			continue
		}
		queues[def.Name] = depth
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": common.GetVersion(),
		"queues":  queues,
	})
}

// VersionHandler returns version information
// GET /api/version
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// NotFoundHandler handles unmatched API routes
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteError(w, http.StatusNotFound, "not found")
}
