package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
)

// setupTestDB creates a test database and returns cleanup function
func setupTestDB(t *testing.T) (*SQLiteDB, func()) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	config := &common.SQLiteConfig{
		Path:          dbPath,
		WALMode:       false,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func int64Ptr(v int64) *int64 {
	return &v
}

func strPtr(v string) *string {
	return &v
}

func TestJobStorage_CreateAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	job := &models.Job{
		ID:       "job_create_test",
		Filename: "products.csv",
		Kind:     models.JobKindIngest,
	}
	require.NoError(t, storage.CreateJob(ctx, job))

	got, err := storage.GetJob(ctx, "job_create_test")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, "products.csv", got.Filename)
	assert.Equal(t, models.JobKindIngest, got.Kind)
	assert.Nil(t, got.TotalRows)
	assert.Equal(t, int64(0), got.ProcessedRows)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestJobStorage_GetMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())

	_, err := storage.GetJob(context.Background(), "job_does_not_exist")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestJobStorage_AdvanceLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, &models.Job{ID: "job_lifecycle", Kind: models.JobKindIngest}))

	_, err := storage.AdvanceJob(ctx, "job_lifecycle", models.JobStatusParsing, interfaces.JobAdvance{})
	require.NoError(t, err)

	job, err := storage.AdvanceJob(ctx, "job_lifecycle", models.JobStatusImporting, interfaces.JobAdvance{
		TotalRows: int64Ptr(120),
	})
	require.NoError(t, err)
	require.NotNil(t, job.TotalRows)
	assert.Equal(t, int64(120), *job.TotalRows)

	job, err = storage.AdvanceJob(ctx, "job_lifecycle", models.JobStatusDone, interfaces.JobAdvance{
		ProcessedRows: int64Ptr(120),
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDone, job.Status)
	assert.Equal(t, int64(120), job.ProcessedRows)
}

func TestJobStorage_TerminalIsFrozen(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, &models.Job{ID: "job_frozen", Kind: models.JobKindIngest}))
	_, err := storage.AdvanceJob(ctx, "job_frozen", models.JobStatusFailed, interfaces.JobAdvance{
		ErrorMessage: strPtr("validation: missing header"),
	})
	require.NoError(t, err)

	// No transition out of a terminal status
	_, err = storage.AdvanceJob(ctx, "job_frozen", models.JobStatusImporting, interfaces.JobAdvance{})
	assert.Error(t, err)
	_, err = storage.AdvanceJob(ctx, "job_frozen", models.JobStatusDone, interfaces.JobAdvance{})
	assert.Error(t, err)

	job, err := storage.GetJob(ctx, "job_frozen")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "validation: missing header", job.ErrorMessage)
}

func TestJobStorage_RegressionRejected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, &models.Job{ID: "job_regress", Kind: models.JobKindIngest}))
	_, err := storage.AdvanceJob(ctx, "job_regress", models.JobStatusImporting, interfaces.JobAdvance{})
	require.NoError(t, err)

	_, err = storage.AdvanceJob(ctx, "job_regress", models.JobStatusQueued, interfaces.JobAdvance{})
	assert.Error(t, err)
}

func TestJobStorage_RedeliveryResetsToParsing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, &models.Job{ID: "job_redeliver", Kind: models.JobKindIngest}))
	_, err := storage.AdvanceJob(ctx, "job_redeliver", models.JobStatusImporting, interfaces.JobAdvance{})
	require.NoError(t, err)
	require.NoError(t, storage.IncrementProcessed(ctx, "job_redeliver", 40))

	// A re-delivered work item restarts from parsing with a clean counter
	job, err := storage.AdvanceJob(ctx, "job_redeliver", models.JobStatusParsing, interfaces.JobAdvance{
		ResetProcessed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusParsing, job.Status)
	assert.Equal(t, int64(0), job.ProcessedRows)
}

func TestJobStorage_IncrementProcessed(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.CreateJob(ctx, &models.Job{ID: "job_incr", Kind: models.JobKindIngest}))

	require.NoError(t, storage.IncrementProcessed(ctx, "job_incr", 10))
	require.NoError(t, storage.IncrementProcessed(ctx, "job_incr", 25))

	job, err := storage.GetJob(ctx, "job_incr")
	require.NoError(t, err)
	assert.Equal(t, int64(35), job.ProcessedRows)

	err = storage.IncrementProcessed(ctx, "job_missing", 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestJobStorage_ListRecent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	for _, id := range []string{"job_a", "job_b", "job_c"} {
		require.NoError(t, storage.CreateJob(ctx, &models.Job{ID: id, Kind: models.JobKindIngest}))
	}

	jobs, err := storage.ListRecentJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	all, err := storage.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
