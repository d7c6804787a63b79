package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/queue"
	"github.com/ternarybob/catalogd/internal/validator"
)

func newUploadHandler(f *handlerFixture, tmpDir string, maxBytes int64) *UploadHandler {
	return NewUploadHandler(f.ingest, validator.NewCSVValidator(0), tmpDir, maxBytes, testPrefix, arbor.NewLogger())
}

// multipartUpload builds a multipart request with one file field
func multipartUpload(t *testing.T, field, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = io.Copy(part, strings.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestUploadHandler_AcceptsValidCSV(t *testing.T) {
	f := setupHandlerFixture(t)
	tmpDir := t.TempDir()
	h := newUploadHandler(f, tmpDir, 10<<20)

	csv := "sku,name,active\nA-1,First,true\nA-2,Second,false\n"
	rec := httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "file", "catalog.csv", csv))
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, testPrefix+"/progress/"+jobID, body["sse_url"])

	job, err := f.ingest.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	require.NotNil(t, job.TotalRows)
	assert.Equal(t, int64(2), *job.TotalRows)

	// The work item is waiting on the ingest queue
	depth, err := f.queueMgr.Depth(context.Background(), queue.QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	// The uploaded file was persisted for the worker
	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUploadHandler_MissingFileField(t *testing.T) {
	f := setupHandlerFixture(t)
	h := newUploadHandler(f, t.TempDir(), 10<<20)

	rec := httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "document", "catalog.csv", "sku,name\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadHandler_RejectsInvalidFile(t *testing.T) {
	f := setupHandlerFixture(t)
	tmpDir := t.TempDir()
	h := newUploadHandler(f, tmpDir, 10<<20)

	// Wrong extension
	rec := httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "file", "catalog.txt", "sku,name\nA,B\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing required header
	rec = httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "file", "catalog.csv", "sku,price\nA,9.99\n"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	errs, _ := body["errors"].([]interface{})
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], `missing required header "name"`)

	// Rejected uploads do not linger on disk
	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadHandler_RequestTooLarge(t *testing.T) {
	f := setupHandlerFixture(t)
	h := newUploadHandler(f, t.TempDir(), 256)

	var rows strings.Builder
	rows.WriteString("sku,name\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&rows, "SKU-%d,Product %d\n", i, i)
	}

	rec := httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "file", "catalog.csv", rows.String()))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadHandler_UnknownColumnWarns(t *testing.T) {
	f := setupHandlerFixture(t)
	h := newUploadHandler(f, t.TempDir(), 10<<20)

	rec := httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "file", "catalog.csv", "sku,name,price\nA-1,First,9.99\n"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	warnings, _ := body["warnings"].([]interface{})
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], `unknown column "price"`)
}

func TestUploadHandler_SavedNameKeepsExtension(t *testing.T) {
	f := setupHandlerFixture(t)
	tmpDir := t.TempDir()
	h := newUploadHandler(f, tmpDir, 10<<20)

	rec := httptest.NewRecorder()
	h.UploadHandler(rec, multipartUpload(t, "file", "my catalog.csv", "sku,name\nA-1,First\n"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".csv"))
	assert.True(t, strings.HasPrefix(entries[0].Name(), "upload_"))
}
