package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/services/ingest"
	"github.com/ternarybob/catalogd/internal/validator"
)

// UploadHandler accepts catalog CSV uploads and starts ingest jobs
type UploadHandler struct {
	ingest    *ingest.Service
	validator *validator.CSVValidator
	tmpDir    string
	maxBytes  int64
	apiPrefix string
	logger    arbor.ILogger
}

// NewUploadHandler creates an upload handler. maxBytes caps the whole
// request body; the validator applies its own per-file limit.
func NewUploadHandler(ingestSvc *ingest.Service, csvValidator *validator.CSVValidator, tmpDir string, maxBytes int64, apiPrefix string, logger arbor.ILogger) *UploadHandler {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &UploadHandler{
		ingest:    ingestSvc,
		validator: csvValidator,
		tmpDir:    tmpDir,
		maxBytes:  maxBytes,
		apiPrefix: apiPrefix,
		logger:    logger,
	}
}

// UploadHandler handles catalog file uploads
// POST /api/upload
func (h *UploadHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		if isTooLarge(err) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxBytes))
			return
		}
		WriteError(w, http.StatusBadRequest, "multipart form field 'file' is required")
		return
	}
	defer file.Close()

	path, err := h.saveUpload(file, header.Filename)
	if err != nil {
		if isTooLarge(err) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxBytes))
			return
		}
		h.logger.Error().Err(err).Str("filename", header.Filename).Msg("Failed to persist upload")
		WriteError(w, http.StatusInternalServerError, "failed to persist upload")
		return
	}

	result, err := h.validator.Validate(path)
	if err != nil {
		os.Remove(path)
		h.logger.Error().Err(err).Str("filename", header.Filename).Msg("Upload validation errored")
		WriteError(w, http.StatusInternalServerError, "failed to validate upload")
		return
	}
	if !result.Valid {
		os.Remove(path)
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{
			"status":   "error",
			"error":    "file failed validation",
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
		return
	}

	job, err := h.ingest.StartIngest(r.Context(), header.Filename, path, result.TotalRows)
	if err != nil {
		os.Remove(path)
		h.logger.Error().Err(err).Str("filename", header.Filename).Msg("Failed to start ingest job")
		WriteError(w, http.StatusInternalServerError, "failed to start import")
		return
	}

	h.logger.Info().Str("job_id", job.ID).Str("filename", header.Filename).Int64("total_rows", result.TotalRows).Msg("Upload accepted")
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   job.ID,
		"sse_url":  fmt.Sprintf("%s/progress/%s", h.apiPrefix, job.ID),
		"message":  "import queued",
		"warnings": result.Warnings,
	})
}

// isTooLarge recognizes the MaxBytesReader cutoff. Multipart parsing
// does not always wrap the typed error, so the message is checked too.
func isTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr) || strings.Contains(err.Error(), "request body too large")
}

// saveUpload streams the multipart part to a uniquely named temp file
func (h *UploadHandler) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(h.tmpDir, 0755); err != nil {
		return "", err
	}

	base := filepath.Base(filename)
	base = strings.ReplaceAll(base, string(filepath.Separator), "_")
	path := filepath.Join(h.tmpDir, fmt.Sprintf("upload_%s_%s", uuid.New().String(), base))

	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
