package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/queue"
)

func newService(f *fixture) *Service {
	return NewService(f.storage, f.queueMgr, f.progress, arbor.NewLogger())
}

func writeUpload(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("sku,name\nA-1,Widget\n"), 0644))
	return path
}

func TestService_StartIngest(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	job, err := newService(f).StartIngest(ctx, "products.csv", writeUpload(t, "products.csv"), 42)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, models.JobKindIngest, job.Kind)
	require.NotNil(t, job.TotalRows)
	assert.Equal(t, int64(42), *job.TotalRows)

	// The work item is on the ingest queue under the job id
	delivery, err := f.queueMgr.Receive(ctx, queue.QueueIngest)
	require.NoError(t, err)
	assert.Equal(t, job.ID, delivery.Item.ID)
	assert.Equal(t, WorkTypeIngest, delivery.Item.Type)

	stored, err := f.storage.Jobs().GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "products.csv", stored.Filename)
}

func TestService_StartIngestMissingFile(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := newService(f).StartIngest(ctx, "gone.csv", filepath.Join(t.TempDir(), "gone.csv"), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")

	// No job row and no work item were created
	jobs, err := f.storage.Jobs().ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = f.queueMgr.Receive(ctx, queue.QueueIngest)
	assert.ErrorIs(t, err, queue.ErrNoMessage)
}

func TestService_StartBulkDelete(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	job, err := newService(f).StartBulkDelete(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, models.JobKindBulkDelete, job.Kind)

	delivery, err := f.queueMgr.Receive(ctx, queue.QueueBulkOps)
	require.NoError(t, err)
	assert.Equal(t, job.ID, delivery.Item.ID)
	assert.Equal(t, WorkTypeBulkDelete, delivery.Item.Type)
}

func TestService_ListRecentJobs(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	svc := newService(f)

	_, err := svc.StartBulkDelete(ctx, 0)
	require.NoError(t, err)
	_, err = svc.StartIngest(ctx, "a.csv", writeUpload(t, "a.csv"), 1)
	require.NoError(t, err)

	jobs, err := svc.ListRecentJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
