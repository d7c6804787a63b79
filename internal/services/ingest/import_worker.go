package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/catalogd/internal/interfaces"
	"github.com/ternarybob/catalogd/internal/models"
	"github.com/ternarybob/catalogd/internal/queue"
	"github.com/ternarybob/catalogd/internal/validator"
)

// ImportWorker consumes ingest work items and drives a job from queued
// through parsing and importing to a terminal state. A re-delivered
// work item restarts from the top; batch upserts are idempotent, so
// re-parsing the file from the beginning is safe.
type ImportWorker struct {
	storage          interfaces.StorageManager
	progress         interfaces.ProgressStore
	events           interfaces.EventPublisher
	batchSize        int
	progressInterval time.Duration
	logger           arbor.ILogger
}

// NewImportWorker creates an ingest worker
func NewImportWorker(storage interfaces.StorageManager, progress interfaces.ProgressStore, events interfaces.EventPublisher, batchSize int, progressInterval time.Duration, logger arbor.ILogger) *ImportWorker {
	if batchSize <= 0 {
		batchSize = 10000
	}
	return &ImportWorker{
		storage:          storage,
		progress:         progress,
		events:           events,
		batchSize:        batchSize,
		progressInterval: progressInterval,
		logger:           logger,
	}
}

// Handle processes one ingest delivery
func (w *ImportWorker) Handle(ctx context.Context, delivery *queue.Delivery) error {
	var payload ingestPayload
	if err := json.Unmarshal(delivery.Item.Body, &payload); err != nil {
		return fmt.Errorf("%w: undecodable ingest payload: %v", queue.ErrBadMessage, err)
	}

	jobID := delivery.Item.ID
	log := w.logger
	log.Info().Str("job_id", jobID).Str("path", payload.Path).Int("attempt", delivery.Attempt).Msg("Ingest work item received")

	job, err := w.storage.Jobs().GetJob(ctx, jobID)
	if err == interfaces.ErrNotFound {
		// No job row to report against, retrying cannot help
		return fmt.Errorf("%w: job %s has no row", queue.ErrBadMessage, jobID)
	}
	if err != nil {
		return w.settle(ctx, delivery, payload, fmt.Errorf("storage: %v", err))
	}
	if job.Status.IsTerminal() {
		log.Warn().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job already terminal, dropping redelivery")
		return nil
	}

	var total int64
	if job.TotalRows != nil {
		total = *job.TotalRows
	}

	tracker := NewTracker(w.progress, jobID, w.progressInterval, w.logger)

	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusParsing, interfaces.JobAdvance{ResetProcessed: true}); err != nil {
		return w.settle(ctx, delivery, payload, fmt.Errorf("storage: %v", err))
	}
	tracker.Publish(ctx, progressFields("parsing", "starting", 0, total), true)

	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusImporting, interfaces.JobAdvance{}); err != nil {
		return w.settle(ctx, delivery, payload, fmt.Errorf("storage: %v", err))
	}
	tracker.Publish(ctx, progressFields("importing", "batch_0", 0, total), true)

	processed, err := w.importFile(ctx, jobID, payload.Path, total, tracker)
	if err != nil {
		return w.settle(ctx, delivery, payload, err)
	}

	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusDone, interfaces.JobAdvance{
		ProcessedRows: &processed,
	}); err != nil {
		return w.settle(ctx, delivery, payload, fmt.Errorf("storage: %v", err))
	}
	tracker.Publish(ctx, progressFields("done", "completed", processed, total), true)

	w.events.Publish(ctx, models.EventImportCompleted, map[string]interface{}{
		"job_id":         jobID,
		"filename":       payload.Filename,
		"processed_rows": processed,
		"total_rows":     total,
	})

	w.removeFile(payload.Path)
	log.Info().Str("job_id", jobID).Int64("processed_rows", processed).Msg("Ingest completed")
	return nil
}

// importFile streams the CSV and upserts it in batches, returning the
// number of imported rows
func (w *ImportWorker) importFile(ctx context.Context, jobID, path string, total int64, tracker *Tracker) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: input file missing: %s", queue.ErrBadMessage, path)
		}
		return 0, fmt.Errorf("storage: %v", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("%w: validation: file has no header row", queue.ErrBadMessage)
	}
	idx := validator.HeaderIndex(headers)

	var processed int64
	batchNum := 0
	batch := make([]models.ProductInput, 0, w.batchSize)

	flush := func(stage string) error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := w.storage.Products().BatchUpsert(ctx, batch); err != nil {
			return fmt.Errorf("storage: %v", err)
		}
		processed += int64(len(batch))
		batch = batch[:0]

		if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusImporting, interfaces.JobAdvance{
			ProcessedRows: &processed,
		}); err != nil {
			return fmt.Errorf("storage: %v", err)
		}
		tracker.Publish(ctx, progressFields("importing", stage, processed, total), true)
		return nil
	}

	rowNum := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return processed, fmt.Errorf("canceled: %v", err)
		}

		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return processed, fmt.Errorf("%w: validation: row %d is not parseable: %v", queue.ErrBadMessage, rowNum+1, err)
		}
		rowNum++

		input, err := validator.RowToProduct(idx, record)
		if err != nil {
			// Bad rows are skipped, not fatal
			w.logger.Debug().Str("job_id", jobID).Int64("row", rowNum).Str("reason", err.Error()).Msg("Skipping row")
			continue
		}

		batch = append(batch, input)
		if len(batch) >= w.batchSize {
			batchNum++
			if err := flush(fmt.Sprintf("batch_%d", batchNum)); err != nil {
				return processed, err
			}
		} else {
			// Rate limited inside the batch
			tracker.Publish(ctx, progressFields("importing", fmt.Sprintf("batch_%d", batchNum+1), processed+int64(len(batch)), total), false)
		}
	}

	if len(batch) > 0 {
		batchNum++
		if err := flush(fmt.Sprintf("batch_%d_final", batchNum)); err != nil {
			return processed, err
		}
	}

	return processed, nil
}

// settle classifies a failure. While retries remain the error is
// re-raised untouched so the queue re-delivers. On the final attempt,
// or for unprocessable messages, the job is advanced to failed, a final
// snapshot goes out, the failure event fans out, and the file is
// removed.
func (w *ImportWorker) settle(ctx context.Context, delivery *queue.Delivery, payload ingestPayload, cause error) error {
	jobID := delivery.Item.ID

	if !delivery.LastAttempt() && !isBadMessage(cause) {
		w.logger.Warn().Err(cause).Str("job_id", jobID).Int("attempt", delivery.Attempt).Msg("Ingest attempt failed, leaving retry to the queue")
		return cause
	}

	reason := cause.Error()
	if _, err := w.storage.Jobs().AdvanceJob(ctx, jobID, models.JobStatusFailed, interfaces.JobAdvance{
		ErrorMessage: &reason,
	}); err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}

	job, err := w.storage.Jobs().GetJob(ctx, jobID)
	var processed, total int64
	if err == nil {
		processed = job.ProcessedRows
		if job.TotalRows != nil {
			total = *job.TotalRows
		}
	}

	tracker := NewTracker(w.progress, jobID, w.progressInterval, w.logger)
	fields := progressFields("failed", "completed", processed, total)
	fields["error_message"] = reason
	tracker.Publish(ctx, fields, true)

	w.events.Publish(ctx, models.EventImportFailed, map[string]interface{}{
		"job_id":   jobID,
		"filename": payload.Filename,
		"error":    reason,
	})

	w.removeFile(payload.Path)
	w.logger.Error().Err(cause).Str("job_id", jobID).Msg("Ingest failed")
	return cause
}

func (w *ImportWorker) removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove input file")
	}
}

func isBadMessage(err error) bool {
	return errors.Is(err, queue.ErrBadMessage)
}

// progressFields builds the canonical snapshot payload. Percent is nil
// when total is unknown or zero.
func progressFields(status, stage string, processed, total int64) interfaces.ProgressFields {
	fields := interfaces.ProgressFields{
		"status":         status,
		"stage":          stage,
		"processed_rows": processed,
		"total_rows":     total,
	}
	if total > 0 {
		fields["progress"] = math.Round(float64(processed)/float64(total)*10000) / 100
	} else {
		fields["progress"] = nil
	}
	return fields
}
