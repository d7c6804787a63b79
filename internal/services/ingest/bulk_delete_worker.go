package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/queue"
)

// BulkDeleteWorker consumes bulk delete work items. It shares the job
// state machine with the import worker: parsing covers the counting
// phase, importing covers the delete loop. Progress payloads use the
// live labels preparing and deleting.
type BulkDeleteWorker struct {
	storage          interfaces.StorageManager
	progress         interfaces.ProgressStore
	events           interfaces.EventPublisher
	batchSize        int
	progressInterval time.Duration
	logger           arbor.ILogger
}

// NewBulkDeleteWorker creates a bulk delete worker
func NewBulkDeleteWorker(storage interfaces.StorageManager, progress interfaces.ProgressStore, events interfaces.EventPublisher, batchSize int, progressInterval time.Duration, logger arbor.ILogger) *BulkDeleteWorker {
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &BulkDeleteWorker{
		storage:          storage,
		progress:         progress,
		events:           events,
		batchSize:        batchSize,
		progressInterval: progressInterval,
		logger:           logger,
	}
}

// Handle processes one bulk delete delivery
func (w *BulkDeleteWorker) Handle(ctx context.Context, delivery *queue.Delivery) error {
	var payload bulkDeletePayload
	if err := json.Unmarshal(delivery.Item.Body, &payload); err != nil {
		return fmt.Errorf("%w: undecodable bulk delete payload: %v", queue.ErrBadMessage, err)
	}

	jobID := delivery.Item.ID
	job, err := w.storage.Jobs().GetJob(ctx, jobID)
	if err == interfaces.ErrNotFound {
		return fmt.Errorf("%w: job %s has no row", queue.ErrBadMessage, jobID)
	}
	if err != nil {
		return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
	}
	if job.Kind != models.JobKindBulkDelete {
		return fmt.Errorf("%w: job %s is not a bulk delete job", queue.ErrBadMessage, jobID)
	}
	if job.Status.IsTerminal() {
		w.logger.Warn().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job already terminal, dropping redelivery")
		return nil
	}

	tracker := NewTracker(w.progress, jobID, w.progressInterval, w.logger)

	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusParsing, interfaces.JobAdvance{ResetProcessed: true}); err != nil {
		return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
	}
	tracker.Publish(ctx, progressFields("preparing", "counting", 0, 0), true)

	totalProducts, err := w.storage.Products().Count(ctx)
	if err != nil {
		return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
	}

	target := totalProducts
	if payload.Count > 0 && payload.Count < totalProducts {
		target = payload.Count
	}

	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusImporting, interfaces.JobAdvance{
		TotalRows: &target,
	}); err != nil {
		return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
	}
	tracker.Publish(ctx, progressFields("deleting", "batch_0", 0, target), true)

	// An empty catalog still walks the full status sequence
	if target == 0 {
		return w.finalize(ctx, delivery, tracker, 0, totalProducts)
	}

	var deleted int64
	batchNum := 0
	for deleted < target {
		fetch := w.batchSize
		if remaining := target - deleted; remaining < int64(fetch) {
			fetch = int(remaining)
		}

		ids, err := w.storage.Products().SelectIDs(ctx, fetch)
		if err != nil {
			return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
		}
		if len(ids) == 0 {
			break
		}

		n, err := w.storage.Products().DeleteByIDs(ctx, ids)
		if err != nil {
			return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
		}
		deleted += n
		batchNum++

		if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusImporting, interfaces.JobAdvance{
			ProcessedRows: &deleted,
		}); err != nil {
			return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
		}
		tracker.Publish(ctx, progressFields("deleting", fmt.Sprintf("batch_%d", batchNum), deleted, target), true)
	}

	return w.finalize(ctx, delivery, tracker, deleted, totalProducts)
}

// finalize advances to done and fans out the bulk delete event
func (w *BulkDeleteWorker) finalize(ctx context.Context, delivery *queue.Delivery, tracker *Tracker, deleted, totalProducts int64) error {
	jobID := delivery.Item.ID

	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusDone, interfaces.JobAdvance{
		ProcessedRows: &deleted,
		TotalRows:     &deleted,
	}); err != nil {
		return w.settle(ctx, delivery, fmt.Errorf("storage: %v", err))
	}
	tracker.Publish(ctx, progressFields("done", "completed", deleted, deleted), true)

	w.events.Publish(ctx, models.EventProductBulkDeleted, map[string]interface{}{
		"job_id":         jobID,
		"deleted_count":  deleted,
		"total_products": totalProducts,
	})

	w.logger.Info().Str("job_id", jobID).Int64("deleted_count", deleted).Msg("Bulk delete completed")
	return nil
}

// settle mirrors the import worker's failure handling: re-raise while
// retries remain, otherwise fail the job, publish, and fan out.
func (w *BulkDeleteWorker) settle(ctx context.Context, delivery *queue.Delivery, cause error) error {
	jobID := delivery.Item.ID

	if !delivery.LastAttempt() && !isBadMessage(cause) {
		w.logger.Warn().Err(cause).Str("job_id", jobID).Int("attempt", delivery.Attempt).Msg("Bulk delete attempt failed, leaving retry to the queue")
		return cause
	}

	reason := cause.Error()
	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusFailed, interfaces.JobAdvance{
		ErrorMessage: &reason,
	}); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}

	tracker := NewTracker(w.progress, jobID, w.progressInterval, w.logger)
	fields := progressFields("failed", "completed", 0, 0)
	fields["error_message"] = reason
	tracker.Publish(ctx, fields, true)

	w.events.Publish(ctx, models.EventImportFailed, map[string]interface{}{
		"job_id": jobID,
		"error":  reason,
	})

	w.logger.Error().Err(cause).Str("job_id", jobID).Msg("Bulk delete failed")
	return cause
}
