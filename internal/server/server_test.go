package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/handlers"
	"github.com/ternarybob/catalogd/internal/progress"
	"github.com/ternarybob/catalogd/internal/queue"
	"github.com/ternarybob/catalogd/internal/services/ingest"
	"github.com/ternarybob/catalogd/internal/services/webhooks"
	"github.com/ternarybob/catalogd/internal/storage/sqlite"
	"github.com/ternarybob/catalogd/internal/validator"
)

// setupTestServer wires a full server over throwaway storage
func setupTestServer(t *testing.T, uploadRate float64) *httptest.Server {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	options := badger.DefaultOptions(t.TempDir())
	options.Logger = nil
	db, err := badger.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := progress.NewStore(db, time.Hour, logger)
	t.Cleanup(func() { store.Close() })

	queueMgr, err := queue.NewManager(db, logger)
	require.NoError(t, err)

	webhookSvc := webhooks.NewService(storage.Webhooks(), queueMgr, logger)
	ingestSvc := ingest.NewService(storage, queueMgr, store, logger)

	s := New(Options{
		Host:       "localhost",
		Port:       0,
		APIPrefix:  "/api",
		UploadRate: uploadRate,

		API:      handlers.NewAPIHandler(storage, queueMgr, logger),
		Upload:   handlers.NewUploadHandler(ingestSvc, validator.NewCSVValidator(0), t.TempDir(), 1<<20, "/api", logger),
		Progress: handlers.NewProgressHandler(ingestSvc, store, logger),
		Imports:  handlers.NewImportHandler(ingestSvc, logger),
		Products: handlers.NewProductHandler(storage, ingestSvc, webhookSvc, "/api", logger),
		Webhooks: handlers.NewWebhookHandler(storage, logger),
	}, logger)

	ts := httptest.NewServer(s.setupRoutes())
	t.Cleanup(ts.Close)
	return ts
}

func TestRoutes_HealthAndVersion(t *testing.T) {
	ts := setupTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/version")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_UnknownPathIs404(t *testing.T) {
	ts := setupTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRoutes_CORSPreflight(t *testing.T) {
	ts := setupTestServer(t, 0)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/products", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRoutes_ProductPathsDispatch(t *testing.T) {
	ts := setupTestServer(t, 0)

	// Collection route
	resp, err := http.Get(ts.URL + "/api/products")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Item route with a bad id hits the item handler, not the 404
	resp, err = http.Get(ts.URL + "/api/products/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Bulk delete is POST only
	resp, err = http.Get(ts.URL + "/api/products/bulk-delete")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRoutes_UploadRateLimit(t *testing.T) {
	// One upload per minute: the bucket holds a single token
	ts := setupTestServer(t, 1)

	resp, err := http.Post(ts.URL+"/api/upload", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	// Token consumed; a malformed request still spends it
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/upload", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}
