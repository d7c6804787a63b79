package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/common"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/queue"
)

// Work item types carried on the queues
const (
	WorkTypeIngest     = "ingest.import"
	WorkTypeBulkDelete = "ingest.bulk_delete"
)

// ingestPayload is the body of an ingest work item
type ingestPayload struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

// bulkDeletePayload is the body of a bulk delete work item. Count of
// zero means delete everything.
type bulkDeletePayload struct {
	Count int64 `json:"count"`
}

// Service creates import jobs and hands them to the queue. Workers own
// all later state transitions.
type Service struct {
	storage  interfaces.StorageManager
	queue    *queue.Manager
	progress interfaces.ProgressStore
	logger   arbor.ILogger
}

// NewService creates the ingest service
func NewService(storage interfaces.StorageManager, queueMgr *queue.Manager, progress interfaces.ProgressStore, logger arbor.ILogger) *Service {
	return &Service{
		storage:  storage,
		queue:    queueMgr,
		progress: progress,
		logger:   logger,
	}
}

// StartIngest creates a queued ingest job for an already-validated file
// and enqueues the work item. The job id doubles as the work item id,
// so a retried request cannot double-enqueue an outstanding job.
func (s *Service) StartIngest(ctx context.Context, filename, path string, totalRows int64) (*models.Job, error) {
	// The file must still be on disk when the work item is created; a
	// worker picking up a job for a vanished file can only fail it
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("upload file unavailable: %w", err)
	}

	job := &models.Job{
		ID:        common.NewJobID(),
		Filename:  filename,
		Kind:      models.JobKindIngest,
		Status:    models.JobStatusQueued,
		TotalRows: &totalRows,
	}
	if err := s.storage.Jobs().CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	body, err := json.Marshal(ingestPayload{Path: path, Filename: filename})
	if err != nil {
		return nil, fmt.Errorf("failed to encode work item: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.QueueIngest, queue.WorkItem{
		ID:   job.ID,
		Type: WorkTypeIngest,
		Body: body,
	}, 0); err != nil {
		// The job row exists but no worker will ever pick it up
		s.failJob(ctx, job.ID, fmt.Sprintf("queue: %v", err))
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info().Str("job_id", job.ID).Str("filename", filename).Int64("total_rows", totalRows).Msg("Ingest job queued")
	return job, nil
}

// StartBulkDelete creates a queued bulk delete job. Count bounds how
// many products are removed; zero or negative deletes all of them.
func (s *Service) StartBulkDelete(ctx context.Context, count int64) (*models.Job, error) {
	job := &models.Job{
		ID:     common.NewJobID(),
		Kind:   models.JobKindBulkDelete,
		Status: models.JobStatusQueued,
	}
	if err := s.storage.Jobs().CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	body, err := json.Marshal(bulkDeletePayload{Count: count})
	if err != nil {
		return nil, fmt.Errorf("failed to encode work item: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.QueueBulkOps, queue.WorkItem{
		ID:   job.ID,
		Type: WorkTypeBulkDelete,
		Body: body,
	}, 0); err != nil {
		s.failJob(ctx, job.ID, fmt.Sprintf("queue: %v", err))
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info().Str("job_id", job.ID).Int64("count", count).Msg("Bulk delete job queued")
	return job, nil
}

// failJob marks a job failed when it never reached a worker
func (s *Service) failJob(ctx context.Context, jobID, reason string) {
	if _, err := s.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusFailed, interfaces.JobAdvance{
		ErrorMessage: &reason,
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
}

// GetJob returns a job by id
func (s *Service) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return s.storage.Jobs().GetJob(ctx, id)
}

// ListRecentJobs returns the most recent jobs
func (s *Service) ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return s.storage.Jobs().ListRecentJobs(ctx, limit)
}
